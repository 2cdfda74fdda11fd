package ledger

import (
	"time"
)

type EntryKind string

const (
	KindCredit  EntryKind = "credit"
	KindDebit   EntryKind = "debit"
	KindRefund  EntryKind = "refund"
	KindExpired EntryKind = "expired"
)

// Account is the materialized balance for one points account. Version is the
// optimistic concurrency guard; every balance mutation bumps it.
type Account struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey"`
	Balance   int64     `json:"balance" gorm:"column:balance;not null;default:0"`
	Version   int64     `json:"version" gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Account) TableName() string { return "ledger_accounts" }

// Entry is one append-only ledger row. Entries are never updated or deleted;
// corrections happen through compensating entries. Each entry carries the
// hash of its predecessor so the per-account history is tamper evident.
type Entry struct {
	ID             string    `json:"id" gorm:"column:id;primaryKey"`
	AccountID      string    `json:"account_id" gorm:"column:account_id;not null;index;uniqueIndex:ux_entry_idem,priority:1"`
	Kind           EntryKind `json:"kind" gorm:"column:kind;not null"`
	Amount         int64     `json:"amount" gorm:"column:amount;not null"`
	BalanceAfter   int64     `json:"balance_after" gorm:"column:balance_after;not null"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" gorm:"column:idempotency_key;not null;default:'';uniqueIndex:ux_entry_idem,priority:2,where:idempotency_key <> ''"`
	Reference      string    `json:"reference,omitempty" gorm:"column:reference;index"`
	Description    string    `json:"description,omitempty" gorm:"column:description"`
	PreviousHash   string    `json:"previous_hash" gorm:"column:previous_hash"`
	Hash           string    `json:"hash" gorm:"column:hash;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// CreditLot tracks the unspent remainder of a single credit so debits can
// consume value oldest first and expiry can reclaim what is left.
type CreditLot struct {
	ID        string     `json:"id" gorm:"column:id;primaryKey"`
	AccountID string     `json:"account_id" gorm:"column:account_id;not null;index"`
	EntryID   string     `json:"entry_id" gorm:"column:entry_id;not null"`
	Amount    int64      `json:"amount" gorm:"column:amount;not null"`
	Remaining int64      `json:"remaining" gorm:"column:remaining;not null"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" gorm:"column:expires_at;index"`
	CreatedAt time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (CreditLot) TableName() string { return "ledger_credit_lots" }

type CreditRequest struct {
	AccountID      string     `json:"account_id"`
	Amount         int64      `json:"amount"`
	IdempotencyKey string     `json:"idempotency_key"`
	Reference      string     `json:"reference"`
	Description    string     `json:"description"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type DebitRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reference      string `json:"reference"`
	Description    string `json:"description"`
}

type RefundRequest struct {
	AccountID      string `json:"account_id"`
	EntryID        string `json:"entry_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

// ChainReport is the outcome of a full hash chain verification.
type ChainReport struct {
	AccountID string `json:"account_id"`
	Entries   int    `json:"entries"`
	Valid     bool   `json:"valid"`
	BrokenAt  string `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ReplayReport compares the balance recomputed from entries against the
// materialized account row.
type ReplayReport struct {
	AccountID       string `json:"account_id"`
	Entries         int    `json:"entries"`
	ComputedBalance int64  `json:"computed_balance"`
	StoredBalance   int64  `json:"stored_balance"`
	Consistent      bool   `json:"consistent"`
}
