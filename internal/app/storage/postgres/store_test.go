package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/domain/market"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	"github.com/R3E-Network/vidledger/internal/platform/migrations"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestDebitCommits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_wallets").
		WithArgs("acct-1", int64(5), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(15)))
	mock.ExpectCommit()

	var balance int64
	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		balance, err = tx.DebitWallet(context.Background(), "acct-1", 5)
		return err
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 15 {
		t.Fatalf("expected balance 15, got %d", balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDebitRefusedRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_wallets").
		WithArgs("acct-1", int64(50), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery("SELECT balance FROM ledger_wallets").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.DebitWallet(context.Background(), "acct-1", 50)
		return err
	})
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDebitMissingWallet(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_wallets").WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery("SELECT balance FROM ledger_wallets").WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.DebitWallet(context.Background(), "ghost", 1)
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSerializationFailureMapsToConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_stakes").
		WithArgs("stake-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.MarkStakeWithdrawn(context.Background(), "stake-1", time.Now())
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreditOutOfRangeMapsToOverflow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE ledger_wallets").
		WithArgs("acct-1", int64(1), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "22003", Message: "bigint out of range"})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.CreditWallet(context.Background(), "acct-1", 1)
		return err
	})
	if !errors.Is(err, storage.ErrBalanceOverflow) {
		t.Fatalf("expected balance overflow, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkStakeWithdrawnTwice(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_stakes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT withdrawn FROM ledger_stakes").
		WithArgs("stake-1").
		WillReturnRows(sqlmock.NewRows([]string{"withdrawn"}).AddRow(true))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.MarkStakeWithdrawn(context.Background(), "stake-1", time.Now())
	})
	if !errors.Is(err, storage.ErrAlreadyWithdrawn) {
		t.Fatalf("expected already withdrawn, got %v", err)
	}
}

func TestUniqueViolationMapsToDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_wallets").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.InsertWallet(context.Background(), ledger.Wallet{AccountID: "a", Address: "0xa"})
		return err
	})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestLockAssetDecodesState(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM market_assets WHERE id = \\$1 FOR UPDATE").
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "creator_id", "owner_id", "minted", "on_sale", "price", "royalty_rate", "created_at", "updated_at"}).
			AddRow("v1", "creator", "owner", true, true, int64(10), "0.1000", now, now))
	mock.ExpectCommit()

	var asset market.Asset
	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		asset, err = tx.LockAsset(context.Background(), "v1")
		return err
	})
	if err != nil {
		t.Fatalf("lock asset: %v", err)
	}
	if asset.State != market.StateMintedListed || asset.Price != 10 {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if !asset.RoyaltyRate.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected royalty rate %s", asset.RoyaltyRate)
	}
}

func TestGetWalletNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM ledger_wallets WHERE account_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "address", "balance", "created_at", "updated_at"}))

	if _, err := store.GetWallet(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	store := New(db)
	suffix := uuid.NewString()
	seller := "seller-" + suffix
	assetID := "asset-" + suffix

	err = store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.InsertWallet(ctx, ledger.Wallet{AccountID: seller, Address: "0x" + suffix[:8], Balance: 20}); err != nil {
			return err
		}
		asset := market.NewAsset(assetID, seller)
		if err := asset.List(10); err != nil {
			return err
		}
		_, err := tx.InsertAsset(ctx, asset)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = store.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.DebitWallet(ctx, seller, 21)
		return err
	})
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected refused debit, got %v", err)
	}

	listed, err := store.ListListedAssets(ctx)
	if err != nil {
		t.Fatalf("list listed: %v", err)
	}
	found := false
	for _, a := range listed {
		if a.ID == assetID {
			found = true
		}
	}
	if !found {
		t.Fatalf("listed asset %s missing", assetID)
	}
}
