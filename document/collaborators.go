package document

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// Notifier delivers a message to a recipient. Callers never act on its error
// beyond logging it.
type Notifier interface {
	Notify(ctx context.Context, recipient, title, message string) error
}

// Product is what the catalog knows about a product reference.
type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Code          string          `json:"code"`
	UnitPriceHint decimal.Decimal `json:"unit_price"`
	ImageURL      string          `json:"image_url,omitempty"`
}

// Catalog resolves product references. A missing product is reported as an
// error wrapping ErrNotFound.
type Catalog interface {
	ResolveProduct(ctx context.Context, productID string) (*Product, error)
}

// Counterparties is the customer and vendor directory.
type Counterparties interface {
	Exists(ctx context.Context, counterpartyID string) (bool, error)
}

func notify(ctx context.Context, n Notifier, logger *zap.Logger, recipient, title, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, recipient, title, message); err != nil {
		logger.Warn("notification failed",
			zap.String("recipient", recipient),
			zap.String("title", title),
			zap.Error(err),
		)
	}
}
