package ledger

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/vidledger/internal/app/auth"
	domain "github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	"github.com/R3E-Network/vidledger/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/vidledger/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = auth.Principal{AccountID: "admin", PublicAddress: "0xadmin"}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	opts = append([]Option{WithAuthorizer(auth.NewAddressAllowlist(admin.PublicAddress))}, opts...)
	return New(store, nil, opts...), store
}

// fund opens a wallet for accountID and credits it with amount.
func fund(t *testing.T, e *Engine, accountID string, amount int64) domain.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.OpenWallet(ctx, accountID)
	require.NoError(t, err)
	if amount > 0 {
		w, err = e.Credit(ctx, admin, accountID, amount)
		require.NoError(t, err)
	}
	return w
}

func balanceOf(t *testing.T, e *Engine, accountID string) int64 {
	t.Helper()
	w, err := e.Wallet(context.Background(), accountID)
	require.NoError(t, err)
	return w.Balance
}

func TestOpenWalletIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.OpenWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^0x[0-9a-f]{16}$`), first.Address)
	assert.Zero(t, first.Balance)

	second, err := e.OpenWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)

	_, err = e.OpenWallet(ctx, "  ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestOpenWalletRetriesAddressCollision(t *testing.T) {
	addresses := []string{"0x0000000000000001", "0x0000000000000001", "0x0000000000000002"}
	next := 0
	gen := func() (string, error) {
		a := addresses[next]
		next++
		return a, nil
	}
	e, _ := newTestEngine(t, WithAddressGenerator(gen))
	ctx := context.Background()

	a, err := e.OpenWallet(ctx, "a")
	require.NoError(t, err)
	b, err := e.OpenWallet(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, "0x0000000000000001", a.Address)
	assert.Equal(t, "0x0000000000000002", b.Address)
}

func TestTransferValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	alice := fund(t, e, "alice", 100)

	_, err := e.Transfer(ctx, "alice", "0xwhatever", 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.Transfer(ctx, "alice", " ", 10)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.Transfer(ctx, "alice", alice.Address, 10)
	assert.ErrorIs(t, err, apperrors.ErrValidation, "self transfer")

	_, err = e.Transfer(ctx, "alice", "0xffffffffffffffff", 10)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "unknown destination")

	assert.EqualValues(t, 100, balanceOf(t, e, "alice"))
}

func TestTransferMovesFundsAtomically(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 100)
	bob := fund(t, e, "bob", 0)

	balance, err := e.Transfer(ctx, "alice", bob.Address, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 70, balance)
	assert.EqualValues(t, 30, balanceOf(t, e, "bob"))

	_, err = e.Transfer(ctx, "alice", bob.Address, 71)
	var svcErr *apperrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, apperrors.CodeInsufficientFunds, svcErr.Code)
	assert.EqualValues(t, 70, svcErr.Details["available"])

	assert.EqualValues(t, 70, balanceOf(t, e, "alice"), "failed transfer leaves the source untouched")
	assert.EqualValues(t, 30, balanceOf(t, e, "bob"), "failed transfer leaves the destination untouched")
}

func TestTransferRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := fund(t, e, "a", 50)
	b := fund(t, e, "b", 20)

	_, err := e.Transfer(ctx, "a", b.Address, 35)
	require.NoError(t, err)
	_, err = e.Transfer(ctx, "b", a.Address, 35)
	require.NoError(t, err)

	assert.EqualValues(t, 50, balanceOf(t, e, "a"))
	assert.EqualValues(t, 20, balanceOf(t, e, "b"))
}

func TestConcurrentTransfersConserveFunds(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := fund(t, e, "a", 500)
	b := fund(t, e, "b", 500)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.Transfer(ctx, "a", b.Address, 7)
		}()
		go func() {
			defer wg.Done()
			_, _ = e.Transfer(ctx, "b", a.Address, 11)
		}()
	}
	wg.Wait()

	total := balanceOf(t, e, "a") + balanceOf(t, e, "b")
	assert.EqualValues(t, 1000, total)
}

func TestWithdraw(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 40)

	_, err := e.Withdraw(ctx, "alice", 41)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	w, err := e.Withdraw(ctx, "alice", 15)
	require.NoError(t, err)
	assert.EqualValues(t, 25, w.Balance)

	_, err = e.Withdraw(ctx, "ghost", 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = e.Withdraw(ctx, "alice", -3)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStakeAndWithdrawStake(t *testing.T) {
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	fund(t, e, "alice", 100)

	_, err := e.Stake(ctx, "alice", 101, 30)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	_, err = e.Stake(ctx, "alice", 10, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	first, err := e.Stake(ctx, "alice", 40, 30)
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	second, err := e.Stake(ctx, "alice", 10, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 50, balanceOf(t, e, "alice"))

	stakes, err := e.ListStakes(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, stakes, 2)
	assert.Equal(t, second.ID, stakes[0].ID, "newest first")
	assert.Equal(t, first.ID, stakes[1].ID)

	fund(t, e, "mallory", 0)
	_, err = e.WithdrawStake(ctx, "mallory", first.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	released, err := e.WithdrawStake(ctx, "alice", first.ID)
	require.NoError(t, err)
	assert.True(t, released.Withdrawn)
	require.NotNil(t, released.WithdrawnAt)
	assert.EqualValues(t, 90, balanceOf(t, e, "alice"))

	_, err = e.WithdrawStake(ctx, "alice", first.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.EqualValues(t, 90, balanceOf(t, e, "alice"))

	_, err = e.WithdrawStake(ctx, "alice", "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConcurrentWithdrawStakeCreditsOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 100)

	stake, err := e.Stake(ctx, "alice", 60, 14)
	require.NoError(t, err)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.WithdrawStake(ctx, "alice", stake.ID)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrInvalidState)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.EqualValues(t, 100, balanceOf(t, e, "alice"))
}

func TestCreditRequiresCapability(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "alice", 0)

	_, err := e.Credit(ctx, auth.Principal{AccountID: "alice", PublicAddress: "0xalice"}, "alice", 10)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	w, err := e.Credit(ctx, admin, "alice", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, w.Balance)

	plain := New(memory.New(), nil)
	_, err = plain.Credit(ctx, admin, "alice", 10)
	assert.ErrorIs(t, err, apperrors.ErrForbidden, "no authorizer means no capability")
}

func TestCreditsNeverOverflow(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "a", math.MaxInt64)
	b := fund(t, e, "b", 1)

	_, err := e.Transfer(ctx, "a", b.Address, math.MaxInt64)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.EqualValues(t, int64(math.MaxInt64), balanceOf(t, e, "a"), "debit leg rolled back")
	assert.EqualValues(t, 1, balanceOf(t, e, "b"))

	_, err = e.Credit(ctx, admin, "a", 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.EqualValues(t, int64(math.MaxInt64), balanceOf(t, e, "a"))

	err = store.InTx(ctx, func(tx storage.Tx) error {
		return e.Settle(ctx, tx, "a", domain.Payout{AccountID: "b", Amount: math.MaxInt64})
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	err = store.InTx(ctx, func(tx storage.Tx) error {
		return e.Settle(ctx, tx, "a",
			domain.Payout{AccountID: "b", Amount: math.MaxInt64},
			domain.Payout{AccountID: "b", Amount: math.MaxInt64},
		)
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.EqualValues(t, int64(math.MaxInt64), balanceOf(t, e, "a"))
	assert.EqualValues(t, 1, balanceOf(t, e, "b"))

	stake, err := e.Stake(ctx, "a", 5, 1)
	require.NoError(t, err)
	_, err = e.Credit(ctx, admin, "a", 5)
	require.NoError(t, err)
	_, err = e.WithdrawStake(ctx, "a", stake.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	stakes, err := e.ListStakes(ctx, "a")
	require.NoError(t, err)
	require.Len(t, stakes, 1)
	assert.False(t, stakes[0].Withdrawn, "withdrawn flag rolled back")
	assert.EqualValues(t, int64(math.MaxInt64), balanceOf(t, e, "a"))
}

func TestReturnedWalletIsCurrent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	opened := fund(t, e, "alice", 0)

	credited, err := e.Credit(ctx, admin, "alice", 30)
	require.NoError(t, err)
	stored, err := e.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, stored, credited)
	assert.False(t, credited.UpdatedAt.Before(opened.UpdatedAt))

	withdrawn, err := e.Withdraw(ctx, "alice", 10)
	require.NoError(t, err)
	stored, err = e.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, stored, withdrawn)
	assert.EqualValues(t, 20, withdrawn.Balance)
}

func TestSettleFailsWholeTransaction(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "buyer", 10)
	fund(t, e, "seller", 0)
	fund(t, e, "creator", 0)

	err := store.InTx(ctx, func(tx storage.Tx) error {
		return e.Settle(ctx, tx, "buyer",
			domain.Payout{AccountID: "seller", Amount: 9},
			domain.Payout{AccountID: "creator", Amount: 2},
		)
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.EqualValues(t, 10, balanceOf(t, e, "buyer"))
	assert.EqualValues(t, 0, balanceOf(t, e, "seller"))

	err = store.InTx(ctx, func(tx storage.Tx) error {
		return e.Settle(ctx, tx, "buyer",
			domain.Payout{AccountID: "seller", Amount: 9},
			domain.Payout{AccountID: "creator", Amount: 1},
		)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, balanceOf(t, e, "buyer"))
	assert.EqualValues(t, 9, balanceOf(t, e, "seller"))
	assert.EqualValues(t, 1, balanceOf(t, e, "creator"))
}

func TestBalancesNeverNegative(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	accounts := []string{"a", "b", "c", "d"}
	addresses := make(map[string]string)
	for _, id := range accounts {
		addresses[id] = fund(t, e, id, 50).Address
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		from := accounts[rng.Intn(len(accounts))]
		amount := int64(rng.Intn(40) + 1)
		switch rng.Intn(3) {
		case 0:
			to := accounts[rng.Intn(len(accounts))]
			_, _ = e.Transfer(ctx, from, addresses[to], amount)
		case 1:
			_, _ = e.Withdraw(ctx, from, amount)
		case 2:
			_, _ = e.Stake(ctx, from, amount, 1+rng.Intn(30))
		}
		for _, id := range accounts {
			require.GreaterOrEqual(t, balanceOf(t, e, id), int64(0))
		}
	}
}

// conflictingStore fails the first n transactions with ErrConflict.
type conflictingStore struct {
	storage.Store
	mu        sync.Mutex
	remaining int
}

func (s *conflictingStore) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return storage.ErrConflict
	}
	s.mu.Unlock()
	return s.Store.InTx(ctx, fn)
}

func TestConflictsAreRetriedThenSurfaced(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	seed := New(base, nil, WithAuthorizer(auth.NewAddressAllowlist(admin.PublicAddress)))
	fund(t, seed, "alice", 20)

	flaky := &conflictingStore{Store: base, remaining: 2}
	e := New(flaky, nil, WithTxAttempts(3))
	w, err := e.Withdraw(ctx, "alice", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 15, w.Balance)

	flaky.remaining = 10
	_, err = e.Withdraw(ctx, "alice", 5)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.EqualValues(t, 15, balanceOf(t, seed, "alice"))
}

// brokenStore fails every transaction with an unclassified error.
type brokenStore struct {
	storage.Store
}

func (brokenStore) InTx(context.Context, func(storage.Tx) error) error {
	return errors.New("connection reset")
}

func TestUnexpectedStoreFailureIsInternal(t *testing.T) {
	e := New(brokenStore{Store: memory.New()}, nil)
	_, err := e.Withdraw(context.Background(), "alice", 5)

	var svcErr *apperrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, apperrors.CodeInternal, svcErr.Code)
	assert.Equal(t, "ledger operation failed", svcErr.Message)
}
