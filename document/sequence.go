/*
sequence.go - Date-scoped sequential document numbers

PURPOSE:
  Produces numbers of the form <Prefix><DDMMYY><sequence>, for example
  QUO080126101. The sequence starts at 101 each business day and has no
  fixed width, so numbers increase strictly but are not fixed length.
  Treat them as opaque strings.

ALGORITHM:
  Inside the caller's header transaction:
  1. Lock every header with today's prefix created in the day window.
  2. Parse the numeric suffix of each, take the maximum, propose max+1
     (or the start offset when there is none).
  3. Re-check the candidate for an exact match. On a hit, increment and
     try again, at most 15 times. Exhaustion is a ConflictError.

  The lock is the correctness mechanism. The re-check covers isolation
  levels or lock scopes where the lock alone does not hold. Nothing is
  cached in process memory.
*/
package document

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSequenceStart is the first sequence of every business day.
	DefaultSequenceStart int64 = 101

	// DefaultSequenceAttempts bounds the exact-conflict retry loop.
	DefaultSequenceAttempts = 15

	numberDateLayout = "020106" // DDMMYY
)

// DayWindow is the [Start, End) range of one business day.
type DayWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w DayWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// BusinessDay returns the window of the local business day containing now.
func BusinessDay(now time.Time, loc *time.Location) DayWindow {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return DayWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// NumberPrefix returns <TypePrefix><DDMMYY> for the window's day.
func NumberPrefix(t Type, window DayWindow) string {
	return t.Prefix() + window.Start.Format(numberDateLayout)
}

// SequenceGenerator allocates document numbers.
type SequenceGenerator struct {
	Start       int64
	MaxAttempts int
}

// NewSequenceGenerator returns a generator with the default start and attempts.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{Start: DefaultSequenceStart, MaxAttempts: DefaultSequenceAttempts}
}

// Next returns a number that is free at the time of the check. The lock taken
// by tx.LockNumbers is released when the caller's transaction ends.
func (g *SequenceGenerator) Next(ctx context.Context, docType Type, window DayWindow, tx HeaderTx) (string, error) {
	if !docType.Valid() {
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown document type %q", docType)}
	}

	prefix := NumberPrefix(docType, window)
	existing, err := tx.LockNumbers(ctx, prefix, window)
	if err != nil {
		return "", fmt.Errorf("failed to lock numbers for %s: %w", prefix, err)
	}

	candidate := g.start()
	if last, ok := maxSuffix(prefix, existing); ok && last >= candidate {
		candidate = last + 1
	}

	attempts := g.maxAttempts()
	for i := 0; i < attempts; i++ {
		number := prefix + strconv.FormatInt(candidate, 10)
		taken, err := tx.NumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("failed to check number %s: %w", number, err)
		}
		if !taken {
			return number, nil
		}
		candidate++
	}

	return "", &ConflictError{Prefix: prefix, Attempts: attempts}
}

func (g *SequenceGenerator) start() int64 {
	if g.Start <= 0 {
		return DefaultSequenceStart
	}
	return g.Start
}

func (g *SequenceGenerator) maxAttempts() int {
	if g.MaxAttempts <= 0 {
		return DefaultSequenceAttempts
	}
	return g.MaxAttempts
}

// maxSuffix parses the numeric tail of every number carrying prefix.
// Unparseable suffixes are skipped.
func maxSuffix(prefix string, numbers []string) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, n := range numbers {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		seq, err := strconv.ParseInt(n[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		if !found || seq > best {
			best, found = seq, true
		}
	}
	return best, found
}
