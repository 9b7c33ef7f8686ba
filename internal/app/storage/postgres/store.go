package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/domain/market"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Store implements storage.Store backed by PostgreSQL. Every InTx call runs
// at SERIALIZABLE isolation and locks the rows it touches with FOR UPDATE.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// InTx implements storage.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	committed = true
	return nil
}

// assetRow is the persisted shape of market.Asset; the state variant is
// stored as two flags.
type assetRow struct {
	ID          string          `db:"id"`
	CreatorID   string          `db:"creator_id"`
	OwnerID     string          `db:"owner_id"`
	Minted      bool            `db:"minted"`
	OnSale      bool            `db:"on_sale"`
	Price       int64           `db:"price"`
	RoyaltyRate decimal.Decimal `db:"royalty_rate"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func toAssetRow(a market.Asset) assetRow {
	return assetRow{
		ID:          a.ID,
		CreatorID:   a.CreatorID,
		OwnerID:     a.OwnerID,
		Minted:      a.State.Minted(),
		OnSale:      a.State.Listed(),
		Price:       a.Price,
		RoyaltyRate: a.RoyaltyRate,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func (r assetRow) asset() market.Asset {
	return market.Asset{
		ID:          r.ID,
		CreatorID:   r.CreatorID,
		OwnerID:     r.OwnerID,
		State:       market.StateOf(r.Minted, r.OnSale),
		Price:       r.Price,
		RoyaltyRate: r.RoyaltyRate,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func assetsFromRows(rows []assetRow) []market.Asset {
	out := make([]market.Asset, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.asset())
	}
	return out
}

const (
	walletColumns = `account_id, address, balance, created_at, updated_at`
	stakeColumns  = `id, account_id, amount, duration_days, withdrawn, created_at, withdrawn_at`
	assetColumns  = `id, creator_id, owner_id, minted, on_sale, price, royalty_rate, created_at, updated_at`
	tokenColumns  = `asset_id, title, caption, media_url, creator_id, royalty_rate, created_at`
	saleColumns   = `id, asset_id, buyer, seller, price, royalty, created_at`
)

// --- Reader -----------------------------------------------------------------

func (s *Store) GetWallet(ctx context.Context, accountID string) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := s.db.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM ledger_wallets WHERE account_id = $1`, accountID)
	if err != nil {
		return ledger.Wallet{}, mapError(err)
	}
	return w, nil
}

func (s *Store) GetWalletByAddress(ctx context.Context, address string) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := s.db.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM ledger_wallets WHERE address = $1`, address)
	if err != nil {
		return ledger.Wallet{}, mapError(err)
	}
	return w, nil
}

func (s *Store) ListStakes(ctx context.Context, accountID string) ([]ledger.Stake, error) {
	stakes := make([]ledger.Stake, 0)
	err := s.db.SelectContext(ctx, &stakes, `
		SELECT `+stakeColumns+`
		FROM ledger_stakes
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, mapError(err)
	}
	return stakes, nil
}

func (s *Store) ListOpenStakes(ctx context.Context) ([]ledger.Stake, error) {
	stakes := make([]ledger.Stake, 0)
	err := s.db.SelectContext(ctx, &stakes, `
		SELECT `+stakeColumns+`
		FROM ledger_stakes
		WHERE withdrawn = false
		ORDER BY created_at
	`)
	if err != nil {
		return nil, mapError(err)
	}
	return stakes, nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (market.Asset, error) {
	var row assetRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+assetColumns+` FROM market_assets WHERE id = $1`, id); err != nil {
		return market.Asset{}, mapError(err)
	}
	return row.asset(), nil
}

func (s *Store) GetTokenMetadata(ctx context.Context, assetID string) (market.TokenMetadata, error) {
	var m market.TokenMetadata
	err := s.db.GetContext(ctx, &m, `SELECT `+tokenColumns+` FROM market_token_metadata WHERE asset_id = $1`, assetID)
	if err != nil {
		return market.TokenMetadata{}, mapError(err)
	}
	return m, nil
}

func (s *Store) ListListedAssets(ctx context.Context) ([]market.Asset, error) {
	var rows []assetRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+assetColumns+`
		FROM market_assets
		WHERE on_sale = true
		ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, mapError(err)
	}
	return assetsFromRows(rows), nil
}

func (s *Store) ListAssetsByOwner(ctx context.Context, ownerID string) ([]market.Asset, error) {
	var rows []assetRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+assetColumns+`
		FROM market_assets
		WHERE owner_id = $1
		ORDER BY updated_at DESC, id
	`, ownerID)
	if err != nil {
		return nil, mapError(err)
	}
	return assetsFromRows(rows), nil
}

func (s *Store) ListSales(ctx context.Context, assetID string) ([]market.SaleRecord, error) {
	sales := make([]market.SaleRecord, 0)
	err := s.db.SelectContext(ctx, &sales, `
		SELECT `+saleColumns+`
		FROM market_sales
		WHERE asset_id = $1
		ORDER BY created_at DESC, id DESC
	`, assetID)
	if err != nil {
		return nil, mapError(err)
	}
	return sales, nil
}

// --- Tx ---------------------------------------------------------------------

type tx struct {
	tx *sqlx.Tx
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) InsertWallet(ctx context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO ledger_wallets (`+walletColumns+`)
		VALUES (:account_id, :address, :balance, :created_at, :updated_at)
	`, w)
	if err != nil {
		return ledger.Wallet{}, mapError(err)
	}
	return w, nil
}

func (t *tx) LockWallet(ctx context.Context, accountID string) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := t.tx.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM ledger_wallets WHERE account_id = $1 FOR UPDATE`, accountID)
	if err != nil {
		return ledger.Wallet{}, mapError(err)
	}
	return w, nil
}

func (t *tx) DebitWallet(ctx context.Context, accountID string, amount int64) (int64, error) {
	var balance int64
	err := t.tx.GetContext(ctx, &balance, `
		UPDATE ledger_wallets
		SET balance = balance - $2, updated_at = $3
		WHERE account_id = $1 AND balance >= $2
		RETURNING balance
	`, accountID, amount, time.Now().UTC())
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError(err)
	}

	// Either the wallet is missing or the guard refused the debit.
	if err := t.tx.GetContext(ctx, &balance, `SELECT balance FROM ledger_wallets WHERE account_id = $1`, accountID); err != nil {
		return 0, mapError(err)
	}
	return balance, storage.ErrInsufficientBalance
}

func (t *tx) CreditWallet(ctx context.Context, accountID string, amount int64) (int64, error) {
	var balance int64
	err := t.tx.GetContext(ctx, &balance, `
		UPDATE ledger_wallets
		SET balance = balance + $2, updated_at = $3
		WHERE account_id = $1
		RETURNING balance
	`, accountID, amount, time.Now().UTC())
	if err != nil {
		return 0, mapError(err)
	}
	return balance, nil
}

func (t *tx) InsertStake(ctx context.Context, s ledger.Stake) (ledger.Stake, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_stakes (id, account_id, amount, duration_days, withdrawn, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
	`, s.ID, s.AccountID, s.Amount, s.DurationDays, s.CreatedAt)
	if err != nil {
		return ledger.Stake{}, mapError(err)
	}
	return s, nil
}

func (t *tx) LockStake(ctx context.Context, id string) (ledger.Stake, error) {
	var s ledger.Stake
	err := t.tx.GetContext(ctx, &s, `SELECT `+stakeColumns+` FROM ledger_stakes WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return ledger.Stake{}, mapError(err)
	}
	return s, nil
}

func (t *tx) MarkStakeWithdrawn(ctx context.Context, id string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_stakes
		SET withdrawn = true, withdrawn_at = $2
		WHERE id = $1 AND withdrawn = false
	`, id, at)
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}

	var withdrawn bool
	if err := t.tx.GetContext(ctx, &withdrawn, `SELECT withdrawn FROM ledger_stakes WHERE id = $1`, id); err != nil {
		return mapError(err)
	}
	return storage.ErrAlreadyWithdrawn
}

func (t *tx) InsertAsset(ctx context.Context, a market.Asset) (market.Asset, error) {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO market_assets (`+assetColumns+`)
		VALUES (:id, :creator_id, :owner_id, :minted, :on_sale, :price, :royalty_rate, :created_at, :updated_at)
	`, toAssetRow(a))
	if err != nil {
		return market.Asset{}, mapError(err)
	}
	return a, nil
}

func (t *tx) LockAsset(ctx context.Context, id string) (market.Asset, error) {
	var row assetRow
	if err := t.tx.GetContext(ctx, &row, `SELECT `+assetColumns+` FROM market_assets WHERE id = $1 FOR UPDATE`, id); err != nil {
		return market.Asset{}, mapError(err)
	}
	return row.asset(), nil
}

func (t *tx) UpdateAsset(ctx context.Context, a market.Asset) (market.Asset, error) {
	a.UpdatedAt = time.Now().UTC()
	row := toAssetRow(a)

	var stored assetRow
	err := t.tx.GetContext(ctx, &stored, `
		UPDATE market_assets
		SET owner_id = $2, minted = $3, on_sale = $4, price = $5, royalty_rate = $6, updated_at = $7
		WHERE id = $1
		RETURNING `+assetColumns+`
	`, row.ID, row.OwnerID, row.Minted, row.OnSale, row.Price, row.RoyaltyRate, row.UpdatedAt)
	if err != nil {
		return market.Asset{}, mapError(err)
	}
	return stored.asset(), nil
}

func (t *tx) InsertTokenMetadata(ctx context.Context, m market.TokenMetadata) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO market_token_metadata (`+tokenColumns+`)
		VALUES (:asset_id, :title, :caption, :media_url, :creator_id, :royalty_rate, :created_at)
	`, m)
	return mapError(err)
}

func (t *tx) DeleteTokenMetadata(ctx context.Context, assetID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM market_token_metadata WHERE asset_id = $1`, assetID)
	return mapError(err)
}

func (t *tx) InsertSale(ctx context.Context, rec market.SaleRecord) (market.SaleRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := t.tx.GetContext(ctx, &rec.ID, `
		INSERT INTO market_sales (asset_id, buyer, seller, price, royalty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, rec.AssetID, rec.Buyer, rec.Seller, rec.Price, rec.Royalty, rec.CreatedAt)
	if err != nil {
		return market.SaleRecord{}, mapError(err)
	}
	return rec, nil
}

// PostgreSQL error classes the store translates.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeNumericOutOfRange    = "22003"
)

// mapError folds driver errors into the storage sentinels. Errors that are
// not driver errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return storage.ErrConflict
	case codeUniqueViolation:
		return storage.ErrDuplicate
	case codeForeignKeyViolation:
		return storage.ErrNotFound
	case codeNumericOutOfRange:
		return storage.ErrBalanceOverflow
	}
	return err
}
