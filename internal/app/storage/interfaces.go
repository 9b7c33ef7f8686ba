package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/domain/market"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("storage: duplicate key")
	// ErrConflict is returned when the transaction lost a serialization race
	// and may be retried from the start.
	ErrConflict = errors.New("storage: transaction conflict")
	// ErrInsufficientBalance is returned by a conditional debit that would
	// take a balance below zero.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrBalanceOverflow is returned by a credit that would take a balance
	// past the int64 range.
	ErrBalanceOverflow = errors.New("storage: balance overflow")
	// ErrAlreadyWithdrawn is returned when a stake's withdrawn flag is
	// already set.
	ErrAlreadyWithdrawn = errors.New("storage: stake already withdrawn")
)

// Store is the transactional ledger, registry and history store.
type Store interface {
	Reader

	// InTx runs fn inside one serializable transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader serves non-locking reads for detail and listing views.
type Reader interface {
	GetWallet(ctx context.Context, accountID string) (ledger.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (ledger.Wallet, error)
	ListStakes(ctx context.Context, accountID string) ([]ledger.Stake, error)
	ListOpenStakes(ctx context.Context) ([]ledger.Stake, error)

	GetAsset(ctx context.Context, id string) (market.Asset, error)
	GetTokenMetadata(ctx context.Context, assetID string) (market.TokenMetadata, error)
	ListListedAssets(ctx context.Context) ([]market.Asset, error)
	ListAssetsByOwner(ctx context.Context, ownerID string) ([]market.Asset, error)

	ListSales(ctx context.Context, assetID string) ([]market.SaleRecord, error)
}

// Tx is the set of writes available inside InTx.
type Tx interface {
	LedgerTx
	RegistryTx
	HistoryTx
}

// LedgerTx covers wallets and stakes. Lock* calls take a row lock that is
// held until the transaction ends.
type LedgerTx interface {
	InsertWallet(ctx context.Context, w ledger.Wallet) (ledger.Wallet, error)
	LockWallet(ctx context.Context, accountID string) (ledger.Wallet, error)
	// DebitWallet subtracts amount only if the balance covers it and returns
	// the new balance.
	DebitWallet(ctx context.Context, accountID string, amount int64) (int64, error)
	CreditWallet(ctx context.Context, accountID string, amount int64) (int64, error)

	InsertStake(ctx context.Context, s ledger.Stake) (ledger.Stake, error)
	LockStake(ctx context.Context, id string) (ledger.Stake, error)
	// MarkStakeWithdrawn flips the flag only while it is still false.
	MarkStakeWithdrawn(ctx context.Context, id string, at time.Time) error
}

// RegistryTx covers assets and their token metadata.
type RegistryTx interface {
	InsertAsset(ctx context.Context, a market.Asset) (market.Asset, error)
	LockAsset(ctx context.Context, id string) (market.Asset, error)
	UpdateAsset(ctx context.Context, a market.Asset) (market.Asset, error)
	InsertTokenMetadata(ctx context.Context, m market.TokenMetadata) error
	DeleteTokenMetadata(ctx context.Context, assetID string) error
}

// HistoryTx appends sale records. There is deliberately no update or delete.
type HistoryTx interface {
	InsertSale(ctx context.Context, rec market.SaleRecord) (market.SaleRecord, error)
}
