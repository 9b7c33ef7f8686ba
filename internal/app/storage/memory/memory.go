package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/domain/market"
	"github.com/R3E-Network/vidledger/internal/app/storage"
)

// Store is an in-memory implementation of storage.Store. InTx calls are
// serialised and a failed transaction restores the state it started from.
// It is intended for tests and local development.
type Store struct {
	mu sync.RWMutex
	state
}

type state struct {
	wallets         map[string]ledger.Wallet
	walletByAddress map[string]string
	stakes          map[string]ledger.Stake
	assets          map[string]market.Asset
	tokens          map[string]market.TokenMetadata
	sales           []market.SaleRecord
	nextSaleID      int64
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{state: state{
		wallets:         make(map[string]ledger.Wallet),
		walletByAddress: make(map[string]string),
		stakes:          make(map[string]ledger.Stake),
		assets:          make(map[string]market.Asset),
		tokens:          make(map[string]market.TokenMetadata),
		nextSaleID:      1,
	}}
}

func (s state) clone() state {
	out := state{
		wallets:         make(map[string]ledger.Wallet, len(s.wallets)),
		walletByAddress: make(map[string]string, len(s.walletByAddress)),
		stakes:          make(map[string]ledger.Stake, len(s.stakes)),
		assets:          make(map[string]market.Asset, len(s.assets)),
		tokens:          make(map[string]market.TokenMetadata, len(s.tokens)),
		sales:           append([]market.SaleRecord(nil), s.sales...),
		nextSaleID:      s.nextSaleID,
	}
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	for k, v := range s.walletByAddress {
		out.walletByAddress[k] = v
	}
	for k, v := range s.stakes {
		out.stakes[k] = cloneStake(v)
	}
	for k, v := range s.assets {
		out.assets[k] = v
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	return out
}

// InTx implements storage.Store. fn must not call the Reader methods of the
// same store; it already holds the write lock.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&tx{store: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Reader implementation -------------------------------------------------------

func (s *Store) GetWallet(_ context.Context, accountID string) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[accountID]
	if !ok {
		return ledger.Wallet{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *Store) GetWalletByAddress(_ context.Context, address string) (ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accountID, ok := s.walletByAddress[address]
	if !ok {
		return ledger.Wallet{}, storage.ErrNotFound
	}
	return s.wallets[accountID], nil
}

func (s *Store) ListStakes(_ context.Context, accountID string) ([]ledger.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Stake, 0)
	for _, st := range s.stakes {
		if st.AccountID == accountID {
			result = append(result, cloneStake(st))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ListOpenStakes(_ context.Context) ([]ledger.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Stake, 0)
	for _, st := range s.stakes {
		if !st.Withdrawn {
			result = append(result, cloneStake(st))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) GetAsset(_ context.Context, id string) (market.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return market.Asset{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetTokenMetadata(_ context.Context, assetID string) (market.TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.tokens[assetID]
	if !ok {
		return market.TokenMetadata{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListListedAssets(_ context.Context) ([]market.Asset, error) {
	return s.filterAssets(func(a market.Asset) bool { return a.State.Listed() }), nil
}

func (s *Store) ListAssetsByOwner(_ context.Context, ownerID string) ([]market.Asset, error) {
	return s.filterAssets(func(a market.Asset) bool { return a.OwnerID == ownerID }), nil
}

func (s *Store) filterAssets(keep func(market.Asset) bool) []market.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]market.Asset, 0)
	for _, a := range s.assets {
		if keep(a) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

func (s *Store) ListSales(_ context.Context, assetID string) ([]market.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]market.SaleRecord, 0)
	for i := len(s.sales) - 1; i >= 0; i-- {
		if s.sales[i].AssetID == assetID {
			result = append(result, s.sales[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// tx mutates the store directly; the caller holds s.mu for its lifetime.
type tx struct {
	store *Store
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) InsertWallet(_ context.Context, w ledger.Wallet) (ledger.Wallet, error) {
	st := &t.store.state
	if _, exists := st.wallets[w.AccountID]; exists {
		return ledger.Wallet{}, storage.ErrDuplicate
	}
	if _, exists := st.walletByAddress[w.Address]; exists {
		return ledger.Wallet{}, storage.ErrDuplicate
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	st.wallets[w.AccountID] = w
	st.walletByAddress[w.Address] = w.AccountID
	return w, nil
}

func (t *tx) LockWallet(_ context.Context, accountID string) (ledger.Wallet, error) {
	w, ok := t.store.wallets[accountID]
	if !ok {
		return ledger.Wallet{}, storage.ErrNotFound
	}
	return w, nil
}

func (t *tx) DebitWallet(_ context.Context, accountID string, amount int64) (int64, error) {
	w, ok := t.store.wallets[accountID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if w.Balance < amount {
		return w.Balance, storage.ErrInsufficientBalance
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now().UTC()
	t.store.wallets[accountID] = w
	return w.Balance, nil
}

func (t *tx) CreditWallet(_ context.Context, accountID string, amount int64) (int64, error) {
	w, ok := t.store.wallets[accountID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if amount > math.MaxInt64-w.Balance {
		return w.Balance, storage.ErrBalanceOverflow
	}
	w.Balance += amount
	w.UpdatedAt = time.Now().UTC()
	t.store.wallets[accountID] = w
	return w.Balance, nil
}

func (t *tx) InsertStake(_ context.Context, s ledger.Stake) (ledger.Stake, error) {
	if _, ok := t.store.wallets[s.AccountID]; !ok {
		return ledger.Stake{}, storage.ErrNotFound
	}
	if _, exists := t.store.stakes[s.ID]; exists {
		return ledger.Stake{}, storage.ErrDuplicate
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	t.store.stakes[s.ID] = cloneStake(s)
	return s, nil
}

func (t *tx) LockStake(_ context.Context, id string) (ledger.Stake, error) {
	s, ok := t.store.stakes[id]
	if !ok {
		return ledger.Stake{}, storage.ErrNotFound
	}
	return cloneStake(s), nil
}

func (t *tx) MarkStakeWithdrawn(_ context.Context, id string, at time.Time) error {
	s, ok := t.store.stakes[id]
	if !ok {
		return storage.ErrNotFound
	}
	if s.Withdrawn {
		return storage.ErrAlreadyWithdrawn
	}
	s.Withdrawn = true
	s.WithdrawnAt = &at
	t.store.stakes[id] = s
	return nil
}

func (t *tx) InsertAsset(_ context.Context, a market.Asset) (market.Asset, error) {
	if _, exists := t.store.assets[a.ID]; exists {
		return market.Asset{}, storage.ErrDuplicate
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	t.store.assets[a.ID] = a
	return a, nil
}

func (t *tx) LockAsset(_ context.Context, id string) (market.Asset, error) {
	a, ok := t.store.assets[id]
	if !ok {
		return market.Asset{}, storage.ErrNotFound
	}
	return a, nil
}

func (t *tx) UpdateAsset(_ context.Context, a market.Asset) (market.Asset, error) {
	existing, ok := t.store.assets[a.ID]
	if !ok {
		return market.Asset{}, storage.ErrNotFound
	}
	a.CreatorID = existing.CreatorID
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	t.store.assets[a.ID] = a
	return a, nil
}

func (t *tx) InsertTokenMetadata(_ context.Context, m market.TokenMetadata) error {
	if _, ok := t.store.assets[m.AssetID]; !ok {
		return storage.ErrNotFound
	}
	if _, exists := t.store.tokens[m.AssetID]; exists {
		return storage.ErrDuplicate
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	t.store.tokens[m.AssetID] = m
	return nil
}

func (t *tx) DeleteTokenMetadata(_ context.Context, assetID string) error {
	delete(t.store.tokens, assetID)
	return nil
}

func (t *tx) InsertSale(_ context.Context, rec market.SaleRecord) (market.SaleRecord, error) {
	if _, ok := t.store.assets[rec.AssetID]; !ok {
		return market.SaleRecord{}, storage.ErrNotFound
	}
	rec.ID = t.store.nextSaleID
	t.store.nextSaleID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	t.store.sales = append(t.store.sales, rec)
	return rec, nil
}

func cloneStake(s ledger.Stake) ledger.Stake {
	if s.WithdrawnAt != nil {
		at := *s.WithdrawnAt
		s.WithdrawnAt = &at
	}
	return s
}
