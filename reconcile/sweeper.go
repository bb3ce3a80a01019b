/*
sweeper.go - Periodic removal of orphaned items records

PURPOSE:
  Headers and items commit independently. A header delete whose items
  delete failed, or a compensation that could not finish, leaves an items
  record no header points to. Such records are invisible to reads; the
  sweeper removes them so the items store does not grow without bound.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - A record is orphaned only when GetHeader returns nil without error
  - Lookup errors skip the record; it is retried on the next pass
  - Each pass returns a Report for logging and tests

USAGE:
  s := reconcile.NewOrphanSweeper(headers, items, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - document/coordinator.go: the delete and compensation paths
  - store/items/items.go: DocumentIDs
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/document-engine/document"
)

// ItemsIndex is an items store that can enumerate its records.
type ItemsIndex interface {
	DocumentIDs(ctx context.Context) ([]document.ID, error)
	DeleteItems(ctx context.Context, id document.ID) error
}

// Report summarizes one sweep.
type Report struct {
	Checked int
	Removed []document.ID
	Skipped int
}

// OrphanSweeper deletes items records whose header no longer exists.
type OrphanSweeper struct {
	Headers       document.HeaderReader
	Items         ItemsIndex
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewOrphanSweeper(headers document.HeaderReader, items ItemsIndex, logger *zap.Logger) *OrphanSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrphanSweeper{
		Headers:       headers,
		Items:         items,
		CheckInterval: time.Hour,
		Enabled:       true,
		logger:        logger.Named("sweeper"),
	}
}

// Start runs one sweep immediately and then every CheckInterval.
func (s *OrphanSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker.C, s.stop)

	s.logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *OrphanSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *OrphanSweeper) run(ticks <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ticks:
			s.sweepAndLog(ctx)
		case <-stop:
			return
		}
	}
}

func (s *OrphanSweeper) sweepAndLog(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if len(report.Removed) > 0 || report.Skipped > 0 {
		s.logger.Info("sweep completed",
			zap.Int("checked", report.Checked),
			zap.Int("removed", len(report.Removed)),
			zap.Int("skipped", report.Skipped))
	}
}

// Sweep performs a single pass.
func (s *OrphanSweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	ids, err := s.Items.DocumentIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		h, err := s.Headers.GetHeader(ctx, id)
		if err != nil {
			s.logger.Warn("header lookup failed", zap.String("document_id", string(id)), zap.Error(err))
			report.Skipped++
			continue
		}
		if h != nil {
			continue
		}

		if err := s.Items.DeleteItems(ctx, id); err != nil {
			s.logger.Warn("orphan delete failed", zap.String("document_id", string(id)), zap.Error(err))
			report.Skipped++
			continue
		}
		report.Removed = append(report.Removed, id)
	}
	return report, nil
}
