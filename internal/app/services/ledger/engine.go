// Package ledger moves balances between wallets and escrows staked funds.
// Every operation runs as one store transaction and is replayed on
// serialization conflicts.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/R3E-Network/vidledger/internal/app/auth"
	domain "github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/metrics"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	apperrors "github.com/R3E-Network/vidledger/internal/errors"
	"github.com/R3E-Network/vidledger/pkg/logger"
	"github.com/google/uuid"
)

const addressAttempts = 5

var errAddressTaken = errors.New("wallet address already taken")

// Engine is the only writer of wallet balances and stakes.
type Engine struct {
	store      storage.Store
	authz      auth.Authorizer
	attempts   int
	log        *logger.Logger
	now        func() time.Time
	newAddress func() (string, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithAuthorizer sets the capability check used by Credit.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(e *Engine) {
		if a != nil {
			e.authz = a
		}
	}
}

// WithTxAttempts bounds how often a conflicting transaction is replayed.
func WithTxAttempts(n int) Option {
	return func(e *Engine) { e.attempts = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAddressGenerator overrides wallet address generation.
func WithAddressGenerator(gen func() (string, error)) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newAddress = gen
		}
	}
}

// New creates a ledger engine. Without WithAuthorizer nobody may Credit.
func New(store storage.Store, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	e := &Engine{
		store:      store,
		authz:      auth.DenyAll{},
		attempts:   storage.DefaultAttempts,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newAddress: NewAddress,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewAddress returns "0x" followed by 16 random lowercase hex digits.
func NewAddress() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}

// OpenWallet creates the wallet of accountID, or returns it if it exists.
func (e *Engine) OpenWallet(ctx context.Context, accountID string) (domain.Wallet, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Wallet{}, apperrors.Validation("account_id is required")
	}

	var wallet domain.Wallet
	err := e.run(ctx, "open_wallet", func() error {
		var err error
		for i := 0; i < addressAttempts; i++ {
			err = e.inTx(ctx, "open_wallet", func(tx storage.Tx) error {
				existing, err := tx.LockWallet(ctx, accountID)
				if err == nil {
					wallet = existing
					return nil
				}
				if !errors.Is(err, storage.ErrNotFound) {
					return err
				}

				address, err := e.newAddress()
				if err != nil {
					return err
				}
				created, err := tx.InsertWallet(ctx, domain.Wallet{AccountID: accountID, Address: address})
				if errors.Is(err, storage.ErrDuplicate) {
					return errAddressTaken
				}
				if err != nil {
					return err
				}
				wallet = created
				return nil
			})
			if !errors.Is(err, errAddressTaken) {
				return err
			}
		}
		return apperrors.Conflict("could not allocate a unique wallet address", err)
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	e.log.WithField("account_id", accountID).WithField("address", wallet.Address).Debug("wallet ready")
	return wallet, nil
}

// Wallet returns the wallet of accountID.
func (e *Engine) Wallet(ctx context.Context, accountID string) (domain.Wallet, error) {
	w, err := e.store.GetWallet(ctx, accountID)
	if err != nil {
		return domain.Wallet{}, e.storeError("wallet", accountID, err)
	}
	return w, nil
}

// Transfer moves amount from the wallet of fromAccount to the wallet that
// owns toAddress and returns the sender's new balance.
func (e *Engine) Transfer(ctx context.Context, fromAccount, toAddress string, amount int64) (int64, error) {
	toAddress = strings.TrimSpace(toAddress)
	if amount <= 0 {
		return 0, apperrors.Validation("amount must be positive")
	}
	if toAddress == "" {
		return 0, apperrors.Validation("destination address is required")
	}

	var balance int64
	err := e.run(ctx, "transfer", func() error {
		dest, err := e.store.GetWalletByAddress(ctx, toAddress)
		if err != nil {
			return e.storeError("destination wallet", toAddress, err)
		}
		if dest.AccountID == fromAccount {
			return apperrors.Validation("cannot transfer to your own wallet")
		}

		return e.inTx(ctx, "transfer", func(tx storage.Tx) error {
			if err := lockInOrder(ctx, tx, fromAccount, dest.AccountID); err != nil {
				return err
			}
			balance, err = e.debit(ctx, tx, fromAccount, amount)
			if err != nil {
				return err
			}
			_, err = e.credit(ctx, tx, dest.AccountID, amount)
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	e.log.WithFields(map[string]interface{}{
		"from":   fromAccount,
		"to":     toAddress,
		"amount": amount,
	}).Info("transfer settled")
	return balance, nil
}

// Withdraw removes amount from the wallet. The funds leave the ledger.
func (e *Engine) Withdraw(ctx context.Context, accountID string, amount int64) (domain.Wallet, error) {
	if amount <= 0 {
		return domain.Wallet{}, apperrors.Validation("amount must be positive")
	}

	var wallet domain.Wallet
	err := e.run(ctx, "withdraw", func() error {
		return e.inTx(ctx, "withdraw", func(tx storage.Tx) error {
			if _, err := tx.LockWallet(ctx, accountID); err != nil {
				return e.storeError("wallet", accountID, err)
			}
			if _, err := e.debit(ctx, tx, accountID, amount); err != nil {
				return err
			}
			var err error
			wallet, err = tx.LockWallet(ctx, accountID)
			return err
		})
	})
	if err != nil {
		return domain.Wallet{}, err
	}

	e.log.WithField("account_id", accountID).WithField("amount", amount).Info("withdrawal settled")
	return wallet, nil
}

// Stake escrows amount from the wallet for durationDays.
func (e *Engine) Stake(ctx context.Context, accountID string, amount int64, durationDays int) (domain.Stake, error) {
	if amount <= 0 {
		return domain.Stake{}, apperrors.Validation("amount must be positive")
	}
	if durationDays <= 0 {
		return domain.Stake{}, apperrors.Validation("duration must be at least one day")
	}

	var stake domain.Stake
	err := e.run(ctx, "stake", func() error {
		return e.inTx(ctx, "stake", func(tx storage.Tx) error {
			if _, err := tx.LockWallet(ctx, accountID); err != nil {
				return e.storeError("wallet", accountID, err)
			}
			if _, err := e.debit(ctx, tx, accountID, amount); err != nil {
				return err
			}
			created, err := tx.InsertStake(ctx, domain.Stake{
				ID:           uuid.NewString(),
				AccountID:    accountID,
				Amount:       amount,
				DurationDays: durationDays,
				CreatedAt:    e.now(),
			})
			if err != nil {
				return err
			}
			stake = created
			return nil
		})
	})
	if err != nil {
		return domain.Stake{}, err
	}

	e.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"stake_id":   stake.ID,
		"amount":     amount,
	}).Info("stake created")
	return stake, nil
}

// WithdrawStake releases a stake back to its owner's wallet. The flag is
// flipped and the wallet credited in the same transaction, so concurrent
// calls credit at most once.
func (e *Engine) WithdrawStake(ctx context.Context, accountID, stakeID string) (domain.Stake, error) {
	stakeID = strings.TrimSpace(stakeID)
	if stakeID == "" {
		return domain.Stake{}, apperrors.Validation("stake id is required")
	}

	var stake domain.Stake
	err := e.run(ctx, "withdraw_stake", func() error {
		return e.inTx(ctx, "withdraw_stake", func(tx storage.Tx) error {
			st, err := tx.LockStake(ctx, stakeID)
			if err != nil {
				return e.storeError("stake", stakeID, err)
			}
			if st.AccountID != accountID {
				return apperrors.Forbidden("stake belongs to another account")
			}
			if st.Withdrawn {
				return apperrors.InvalidState("stake %s already withdrawn", stakeID)
			}

			at := e.now()
			if err := tx.MarkStakeWithdrawn(ctx, stakeID, at); err != nil {
				if errors.Is(err, storage.ErrAlreadyWithdrawn) {
					return apperrors.InvalidState("stake %s already withdrawn", stakeID)
				}
				return err
			}
			if _, err := e.credit(ctx, tx, st.AccountID, st.Amount); err != nil {
				return err
			}

			st.Withdrawn = true
			st.WithdrawnAt = &at
			stake = st
			return nil
		})
	})
	if err != nil {
		return domain.Stake{}, err
	}

	e.log.WithField("stake_id", stakeID).WithField("amount", stake.Amount).Info("stake withdrawn")
	return stake, nil
}

// ListStakes returns the stakes of accountID, newest first.
func (e *Engine) ListStakes(ctx context.Context, accountID string) ([]domain.Stake, error) {
	stakes, err := e.store.ListStakes(ctx, accountID)
	if err != nil {
		return nil, e.storeError("stakes", accountID, err)
	}
	return stakes, nil
}

// Credit tops up a wallet. Only principals the Authorizer grants the credit
// capability may call it.
func (e *Engine) Credit(ctx context.Context, principal auth.Principal, accountID string, amount int64) (domain.Wallet, error) {
	if !e.authz.CanCredit(principal) {
		return domain.Wallet{}, apperrors.Forbidden("credit requires the admin capability")
	}
	if amount <= 0 {
		return domain.Wallet{}, apperrors.Validation("amount must be positive")
	}

	var wallet domain.Wallet
	err := e.run(ctx, "credit", func() error {
		return e.inTx(ctx, "credit", func(tx storage.Tx) error {
			if _, err := e.credit(ctx, tx, accountID, amount); err != nil {
				return err
			}
			var err error
			wallet, err = tx.LockWallet(ctx, accountID)
			return err
		})
	})
	if err != nil {
		return domain.Wallet{}, err
	}

	e.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"amount":     amount,
		"by":         principal.AccountID,
	}).Info("wallet credited")
	return wallet, nil
}

// Settle debits from by the sum of payouts and credits each payee inside
// the caller's transaction. Wallets are locked in account id order.
// Zero payouts are skipped.
func (e *Engine) Settle(ctx context.Context, tx storage.LedgerTx, from string, payouts ...domain.Payout) error {
	var total int64
	ids := []string{from}
	for _, p := range payouts {
		if p.Amount < 0 {
			return apperrors.Validation("payout amount must not be negative")
		}
		if p.Amount > math.MaxInt64-total {
			return apperrors.Validation("payout total exceeds the balance range")
		}
		total += p.Amount
		ids = append(ids, p.AccountID)
	}
	if err := lockInOrder(ctx, tx, ids...); err != nil {
		return err
	}
	if _, err := e.debit(ctx, tx, from, total); err != nil {
		return err
	}
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		if _, err := e.credit(ctx, tx, p.AccountID, p.Amount); err != nil {
			return err
		}
	}
	return nil
}

// debit applies the conditional debit and maps a refused guard to
// InsufficientFunds.
func (e *Engine) debit(ctx context.Context, tx storage.LedgerTx, accountID string, amount int64) (int64, error) {
	balance, err := tx.DebitWallet(ctx, accountID, amount)
	if errors.Is(err, storage.ErrInsufficientBalance) {
		return balance, apperrors.InsufficientFunds(balance, amount)
	}
	if err != nil {
		return 0, e.storeError("wallet", accountID, err)
	}
	return balance, nil
}

// credit adds amount to a wallet and refuses a balance past the int64
// range. The wallet is re-read inside tx so earlier legs of the same
// transaction are accounted for.
func (e *Engine) credit(ctx context.Context, tx storage.LedgerTx, accountID string, amount int64) (int64, error) {
	w, err := tx.LockWallet(ctx, accountID)
	if err != nil {
		return 0, e.storeError("wallet", accountID, err)
	}
	if amount > math.MaxInt64-w.Balance {
		return w.Balance, balanceOverflow(accountID, amount)
	}
	balance, err := tx.CreditWallet(ctx, accountID, amount)
	if errors.Is(err, storage.ErrBalanceOverflow) {
		return balance, balanceOverflow(accountID, amount)
	}
	if err != nil {
		return 0, e.storeError("wallet", accountID, err)
	}
	return balance, nil
}

func balanceOverflow(accountID string, amount int64) error {
	return apperrors.InvalidState("wallet %s cannot take a credit of %d without exceeding the balance limit", accountID, amount)
}

// lockInOrder takes row locks on the distinct wallets in ids, sorted by
// account id, so concurrent transactions never wait on each other in a
// cycle.
func lockInOrder(ctx context.Context, tx storage.LedgerTx, ids ...string) error {
	seen := make(map[string]struct{}, len(ids))
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		if _, err := tx.LockWallet(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.NotFound("wallet", id)
			}
			return err
		}
	}
	return nil
}

// inTx runs fn with conflict retries and counts the replays.
func (e *Engine) inTx(ctx context.Context, op string, fn func(tx storage.Tx) error) error {
	calls := 0
	return storage.RunInTx(ctx, e.store, e.attempts, func(tx storage.Tx) error {
		calls++
		if calls > 1 {
			metrics.RecordTxRetry(op)
		}
		return fn(tx)
	})
}

// run executes body, normalises its error into the service taxonomy and
// records the operation.
func (e *Engine) run(ctx context.Context, op string, body func() error) error {
	start := time.Now()
	err := normalise(e.log, op, body())
	metrics.RecordOperation(op, time.Since(start), err)
	return err
}

// storeError maps a storage sentinel for resource/id into the taxonomy.
// Unknown errors pass through for run to classify.
func (e *Engine) storeError(resource, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NotFound(resource, id)
	}
	return err
}

// normalise turns an operation error into a ServiceError. Conflicts that
// survived every retry become Conflict; anything unclassified is logged and
// surfaced as Internal.
func normalise(log *logger.Logger, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case apperrors.IsServiceError(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Conflict("concurrent update; retry the request", err)
	}
	log.WithError(err).WithField("operation", op).Error("ledger store failure")
	return apperrors.Internal("ledger operation failed", err)
}
