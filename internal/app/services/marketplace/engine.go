// Package marketplace drives the asset state machine and settles purchases
// through the ledger in the same store transaction.
package marketplace

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/domain/market"
	"github.com/R3E-Network/vidledger/internal/app/metrics"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	apperrors "github.com/R3E-Network/vidledger/internal/errors"
	"github.com/R3E-Network/vidledger/pkg/logger"
)

// Settler moves funds inside an open transaction.
type Settler interface {
	Settle(ctx context.Context, tx storage.LedgerTx, from string, payouts ...ledger.Payout) error
}

// SaleLog appends and reads sale records.
type SaleLog interface {
	RecordSale(ctx context.Context, tx storage.HistoryTx, entry market.SaleRecord) (market.SaleRecord, error)
	ListSalesFor(ctx context.Context, assetID string) ([]market.SaleRecord, error)
}

// CatalogueCache holds the browse catalogue between listing changes.
type CatalogueCache interface {
	Get(ctx context.Context) ([]market.Asset, bool, error)
	Set(ctx context.Context, assets []market.Asset) error
	Invalidate(ctx context.Context) error
}

// MintMetadata is the creation record supplied when minting.
type MintMetadata struct {
	Title    string `json:"title"`
	Caption  string `json:"caption"`
	MediaURL string `json:"media_url"`
}

// Engine owns every asset state transition.
type Engine struct {
	store    storage.Store
	ledger   Settler
	history  SaleLog
	cache    CatalogueCache
	attempts int
	log      *logger.Logger
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithTxAttempts bounds conflict retries.
func WithTxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithClock overrides the time stamped on sales and token metadata.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates a marketplace engine. cache may be nil.
func New(store storage.Store, settler Settler, history SaleLog, cache CatalogueCache, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewDefault("marketplace")
	}
	e := &Engine{
		store:    store,
		ledger:   settler,
		history:  history,
		cache:    cache,
		attempts: storage.DefaultAttempts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterAsset records a freshly uploaded asset, unlisted and owned by its
// creator.
func (e *Engine) RegisterAsset(ctx context.Context, assetID, creatorID string) (market.Asset, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" || creatorID == "" {
		return market.Asset{}, apperrors.Validation("asset id and creator are required")
	}

	var asset market.Asset
	err := e.run(ctx, "register_asset", func(tx storage.Tx) error {
		created, err := tx.InsertAsset(ctx, market.NewAsset(assetID, creatorID))
		if errors.Is(err, storage.ErrDuplicate) {
			return apperrors.Conflict("asset already registered", nil).WithDetails("id", assetID)
		}
		if err != nil {
			return err
		}
		asset = created
		return nil
	})
	if err != nil {
		return market.Asset{}, err
	}
	e.log.WithField("asset_id", assetID).WithField("creator_id", creatorID).Info("asset registered")
	return asset, nil
}

// List puts the asset on sale at price. Only the owner may list.
func (e *Engine) List(ctx context.Context, caller, assetID string, price int64) (market.Asset, error) {
	if price <= 0 {
		return market.Asset{}, apperrors.Validation("sale price must be positive")
	}
	return e.transition(ctx, "list_asset", caller, assetID, func(_ storage.Tx, a *market.Asset) error {
		return a.List(price)
	})
}

// Cancel takes the asset off sale.
func (e *Engine) Cancel(ctx context.Context, caller, assetID string) (market.Asset, error) {
	return e.transition(ctx, "cancel_listing", caller, assetID, func(_ storage.Tx, a *market.Asset) error {
		a.Cancel()
		return nil
	})
}

// Mint turns the asset into a token paying rate to its creator on resale.
// Minting an already minted asset is rejected.
func (e *Engine) Mint(ctx context.Context, caller, assetID string, rate decimal.Decimal, meta MintMetadata) (market.Asset, error) {
	if err := market.ValidateRoyaltyRate(rate); err != nil {
		return market.Asset{}, err
	}
	meta.Title = strings.TrimSpace(meta.Title)
	if meta.Title == "" {
		return market.Asset{}, apperrors.Validation("token title is required")
	}

	return e.transition(ctx, "mint_asset", caller, assetID, func(tx storage.Tx, a *market.Asset) error {
		if err := a.Mint(rate); err != nil {
			return err
		}
		err := tx.InsertTokenMetadata(ctx, market.TokenMetadata{
			AssetID:     a.ID,
			Title:       meta.Title,
			Caption:     meta.Caption,
			MediaURL:    meta.MediaURL,
			CreatorID:   a.CreatorID,
			RoyaltyRate: rate,
			CreatedAt:   e.now(),
		})
		if errors.Is(err, storage.ErrDuplicate) {
			return apperrors.InvalidState("asset %s already minted", a.ID)
		}
		return err
	})
}

// Burn reverses Mint and deletes the token metadata. The listing is left
// as it is.
func (e *Engine) Burn(ctx context.Context, caller, assetID string) (market.Asset, error) {
	return e.transition(ctx, "burn_asset", caller, assetID, func(tx storage.Tx, a *market.Asset) error {
		if err := a.Burn(); err != nil {
			return err
		}
		return tx.DeleteTokenMetadata(ctx, a.ID)
	})
}

// Buy transfers the asset to buyer for its listed price. seller and price
// are the caller's view of the listing and must match the stored record.
// Funds, ownership, listing and the sale record commit together.
func (e *Engine) Buy(ctx context.Context, buyer, assetID, seller string, price int64) (market.Asset, error) {
	assetID = strings.TrimSpace(assetID)
	switch {
	case buyer == "":
		return market.Asset{}, apperrors.Unauthorized("buyer is not authenticated")
	case assetID == "":
		return market.Asset{}, apperrors.Validation("asset id is required")
	case seller == "":
		return market.Asset{}, apperrors.Validation("seller is required")
	case price <= 0:
		return market.Asset{}, apperrors.Validation("price must be positive")
	}

	var (
		asset   market.Asset
		royalty int64
		payout  int64
	)
	err := e.run(ctx, "buy_asset", func(tx storage.Tx) error {
		a, err := tx.LockAsset(ctx, assetID)
		if err != nil {
			return notFound("asset", assetID, err)
		}
		if !a.State.Listed() {
			return apperrors.InvalidState("asset %s is not on sale", assetID)
		}
		if a.OwnerID == buyer {
			return apperrors.InvalidState("asset %s is already owned by the buyer", assetID)
		}
		if a.OwnerID != seller || a.Price != price {
			return apperrors.InvalidState("listing for asset %s has changed", assetID).
				WithDetails("seller", a.OwnerID).
				WithDetails("price", a.Price)
		}

		royalty, payout = 0, a.Price
		if a.State.Minted() && a.CreatorID != a.OwnerID {
			royalty, payout = market.RoyaltySplit(a.Price, a.RoyaltyRate)
		}

		payouts := []ledger.Payout{{AccountID: a.OwnerID, Amount: payout}}
		if royalty > 0 {
			payouts = append(payouts, ledger.Payout{AccountID: a.CreatorID, Amount: royalty})
		}
		if err := e.ledger.Settle(ctx, tx, buyer, payouts...); err != nil {
			return err
		}

		sellerID := a.OwnerID
		if err := a.Sell(buyer); err != nil {
			return err
		}
		if a, err = tx.UpdateAsset(ctx, a); err != nil {
			return err
		}
		if _, err := e.history.RecordSale(ctx, tx, market.SaleRecord{
			AssetID:   a.ID,
			Buyer:     buyer,
			Seller:    sellerID,
			Price:     price,
			Royalty:   royalty,
			CreatedAt: e.now(),
		}); err != nil {
			return err
		}
		asset = a
		return nil
	})
	if err != nil {
		return market.Asset{}, err
	}

	e.invalidate(ctx)
	metrics.RecordSale(payout, royalty)
	e.log.WithFields(map[string]interface{}{
		"asset_id": assetID,
		"buyer":    buyer,
		"seller":   seller,
		"price":    price,
		"royalty":  royalty,
	}).Info("asset sold")
	return asset, nil
}

// Details returns the asset with its token metadata and sales history.
func (e *Engine) Details(ctx context.Context, assetID string) (market.Details, error) {
	a, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		return market.Details{}, e.readError("asset", assetID, err)
	}

	details := market.Details{Asset: a}
	if a.State.Minted() {
		meta, err := e.store.GetTokenMetadata(ctx, assetID)
		switch {
		case err == nil:
			details.Token = &meta
		case !errors.Is(err, storage.ErrNotFound):
			return market.Details{}, e.readError("token", assetID, err)
		}
	}

	if details.Sales, err = e.history.ListSalesFor(ctx, assetID); err != nil {
		return market.Details{}, err
	}
	return details, nil
}

// Browse lists every asset on sale, most recently changed first.
func (e *Engine) Browse(ctx context.Context) ([]market.Asset, error) {
	if e.cache != nil {
		assets, ok, err := e.cache.Get(ctx)
		if err != nil {
			e.log.WithError(err).Warn("catalogue cache read failed")
		} else if ok {
			return assets, nil
		}
	}

	assets, err := e.store.ListListedAssets(ctx)
	if err != nil {
		return nil, e.readError("catalogue", "", err)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, assets); err != nil {
			e.log.WithError(err).Warn("catalogue cache write failed")
		}
	}
	return assets, nil
}

// Inventory lists the assets owned by ownerID.
func (e *Engine) Inventory(ctx context.Context, ownerID string) ([]market.Asset, error) {
	assets, err := e.store.ListAssetsByOwner(ctx, ownerID)
	if err != nil {
		return nil, e.readError("inventory", ownerID, err)
	}
	return assets, nil
}

// transition runs one owner-only state change and persists the result.
func (e *Engine) transition(ctx context.Context, op, caller, assetID string, apply func(tx storage.Tx, a *market.Asset) error) (market.Asset, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return market.Asset{}, apperrors.Validation("asset id is required")
	}
	if caller == "" {
		return market.Asset{}, apperrors.Unauthorized("caller is not authenticated")
	}

	var asset market.Asset
	err := e.run(ctx, op, func(tx storage.Tx) error {
		a, err := tx.LockAsset(ctx, assetID)
		if err != nil {
			return notFound("asset", assetID, err)
		}
		if a.OwnerID != caller {
			return apperrors.Forbidden("only the owner may change this asset")
		}
		if err := apply(tx, &a); err != nil {
			return err
		}
		updated, err := tx.UpdateAsset(ctx, a)
		if err != nil {
			return err
		}
		asset = updated
		return nil
	})
	if err != nil {
		return market.Asset{}, err
	}

	e.invalidate(ctx)
	e.log.WithFields(map[string]interface{}{
		"operation": op,
		"asset_id":  assetID,
		"state":     asset.State.String(),
	}).Info("asset updated")
	return asset, nil
}

func (e *Engine) invalidate(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		e.log.WithError(err).Warn("catalogue cache invalidation failed")
	}
}

// run executes fn transactionally with conflict retries and maps the
// outcome into the service taxonomy.
func (e *Engine) run(ctx context.Context, op string, fn func(tx storage.Tx) error) error {
	start := time.Now()
	calls := 0
	err := storage.RunInTx(ctx, e.store, e.attempts, func(tx storage.Tx) error {
		calls++
		if calls > 1 {
			metrics.RecordTxRetry(op)
		}
		return fn(tx)
	})

	switch {
	case err == nil, apperrors.IsServiceError(err):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, storage.ErrConflict):
		err = apperrors.Conflict("concurrent update; retry the request", err)
	default:
		e.log.WithError(err).WithField("operation", op).Error("marketplace store failure")
		err = apperrors.Internal("marketplace operation failed", err)
	}
	metrics.RecordOperation(op, time.Since(start), err)
	return err
}

func (e *Engine) readError(resource, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NotFound(resource, id)
	}
	e.log.WithError(err).WithField("resource", resource).Error("marketplace read failed")
	return apperrors.Internal("marketplace read failed", err)
}

func notFound(resource, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NotFound(resource, id)
	}
	return err
}
