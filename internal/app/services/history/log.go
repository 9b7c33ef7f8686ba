// Package history is the append-only record of completed marketplace sales.
package history

import (
	"context"
	"errors"
	"strings"

	"github.com/R3E-Network/vidledger/internal/app/domain/market"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	apperrors "github.com/R3E-Network/vidledger/internal/errors"
	"github.com/R3E-Network/vidledger/pkg/logger"
)

// ErrNoTransaction is returned when RecordSale is called without an open
// store transaction.
var ErrNoTransaction = errors.New("history: sale must be recorded inside a transaction")

// Log appends and reads sale records. It exposes no update or delete.
type Log struct {
	store storage.Reader
	log   *logger.Logger
}

// New creates a history log reading from store.
func New(store storage.Reader, log *logger.Logger) *Log {
	if log == nil {
		log = logger.NewDefault("history")
	}
	return &Log{store: store, log: log}
}

// RecordSale appends entry within tx, the transaction that also moved the
// funds and the ownership.
func (l *Log) RecordSale(ctx context.Context, tx storage.HistoryTx, entry market.SaleRecord) (market.SaleRecord, error) {
	if tx == nil {
		return market.SaleRecord{}, ErrNoTransaction
	}
	if err := validate(entry); err != nil {
		return market.SaleRecord{}, err
	}

	rec, err := tx.InsertSale(ctx, entry)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return market.SaleRecord{}, apperrors.NotFound("asset", entry.AssetID)
		}
		return market.SaleRecord{}, err
	}
	l.log.WithFields(map[string]interface{}{
		"sale_id":  rec.ID,
		"asset_id": rec.AssetID,
		"buyer":    rec.Buyer,
		"seller":   rec.Seller,
		"price":    rec.Price,
	}).Debug("sale recorded")
	return rec, nil
}

// ListSalesFor returns the sales of assetID, newest first with ties broken
// by descending id.
func (l *Log) ListSalesFor(ctx context.Context, assetID string) ([]market.SaleRecord, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, apperrors.Validation("asset id is required")
	}
	sales, err := l.store.ListSales(ctx, assetID)
	if err != nil {
		l.log.WithError(err).WithField("asset_id", assetID).Error("list sales failed")
		return nil, apperrors.Internal("could not load sales history", err)
	}
	return sales, nil
}

func validate(entry market.SaleRecord) error {
	switch {
	case entry.AssetID == "":
		return apperrors.Validation("sale asset id is required")
	case entry.Buyer == "" || entry.Seller == "":
		return apperrors.Validation("sale buyer and seller are required")
	case entry.Buyer == entry.Seller:
		return apperrors.Validation("sale buyer and seller must differ")
	case entry.Price <= 0:
		return apperrors.Validation("sale price must be positive")
	case entry.Royalty < 0 || entry.Royalty > entry.Price:
		return apperrors.Validation("sale royalty must be within the price")
	}
	return nil
}
