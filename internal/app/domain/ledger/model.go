package ledger

import "time"

// Wallet is the internal balance attached 1:1 to an account. Balance is held
// in minor units and never goes negative.
type Wallet struct {
	AccountID string    `json:"account_id" db:"account_id"`
	Address   string    `json:"address" db:"address"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Stake escrows Amount from a wallet until it is withdrawn. Withdrawn only
// ever moves from false to true.
type Stake struct {
	ID           string     `json:"id" db:"id"`
	AccountID    string     `json:"account_id" db:"account_id"`
	Amount       int64      `json:"amount" db:"amount"`
	DurationDays int        `json:"duration_days" db:"duration_days"`
	Withdrawn    bool       `json:"withdrawn" db:"withdrawn"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	WithdrawnAt  *time.Time `json:"withdrawn_at,omitempty" db:"withdrawn_at"`
}

// MaturesAt is the end of the staking period.
func (s Stake) MaturesAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.DurationDays) * 24 * time.Hour)
}

// Matured reports whether the staking period has elapsed at now.
func (s Stake) Matured(now time.Time) bool {
	return !now.Before(s.MaturesAt())
}

// Payout is one credit leg of a settlement.
type Payout struct {
	AccountID string
	Amount    int64
}
