package instrument

import (
	"time"

	"gorm.io/datatypes"
)

type Kind string

const (
	KindGiftCertificate Kind = "gift_certificate"
	KindRainCheck       Kind = "rain_check"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusRedeemed  Status = "redeemed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Instrument is a stored-value voucher: a gift certificate or rain check with
// a face value drawn down by partial redemptions. Status transitions are
// one-way: active moves to exactly one of redeemed, expired or cancelled.
type Instrument struct {
	ID          string `json:"id" gorm:"column:id;primaryKey"`
	Code        string `json:"code" gorm:"column:code;not null;uniqueIndex"`
	Kind        Kind   `json:"kind" gorm:"column:kind;not null"`
	AccountID   string `json:"account_id" gorm:"column:account_id;not null;index"`
	Status      Status `json:"status" gorm:"column:status;not null;default:active;index"`
	FaceValue   int64  `json:"face_value" gorm:"column:face_value;not null"`
	Remaining   int64  `json:"remaining" gorm:"column:remaining;not null"`
	Version     int64  `json:"version" gorm:"column:version;not null;default:0"`
	IssuedBy    string `json:"issued_by,omitempty" gorm:"column:issued_by"`
	PointsPaid  int64  `json:"points_paid" gorm:"column:points_paid;not null;default:0"`
	PurchaseKey string `json:"purchase_key,omitempty" gorm:"column:purchase_key;index"`
	// PurchaseEntryID is the ledger debit that paid for the instrument, kept
	// so a cancellation can refund against it.
	PurchaseEntryID string         `json:"purchase_entry_id,omitempty" gorm:"column:purchase_entry_id"`
	Metadata        datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty" gorm:"column:expires_at;index"`
	CreatedAt       time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (Instrument) TableName() string { return "instruments" }

// Redemption is the audit row for one partial or final draw against an
// instrument.
type Redemption struct {
	ID             string    `json:"id" gorm:"column:id;primaryKey"`
	InstrumentID   string    `json:"instrument_id" gorm:"column:instrument_id;not null;index"`
	Code           string    `json:"code" gorm:"column:code;not null;uniqueIndex"`
	Amount         int64     `json:"amount" gorm:"column:amount;not null"`
	RemainingAfter int64     `json:"remaining_after" gorm:"column:remaining_after;not null"`
	BookingID      string    `json:"booking_id,omitempty" gorm:"column:booking_id;index"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
}

func (Redemption) TableName() string { return "instrument_redemptions" }

// Event is the append-only lifecycle log for an instrument.
type Event struct {
	ID           string         `json:"id" gorm:"column:id;primaryKey"`
	InstrumentID string         `json:"instrument_id" gorm:"column:instrument_id;not null;index"`
	Type         string         `json:"type" gorm:"column:type;not null"`
	Data         datatypes.JSON `json:"data,omitempty" gorm:"column:data"`
	CreatedAt    time.Time      `json:"created_at" gorm:"column:created_at"`
}

func (Event) TableName() string { return "instrument_events" }

const (
	EventIssued    = "issued"
	EventRedeemed  = "redeemed"
	EventCancelled = "cancelled"
	EventExpired   = "expired"
)

type IssueRequest struct {
	Kind      Kind           `json:"kind"`
	AccountID string         `json:"account_id"`
	FaceValue int64          `json:"face_value"`
	IssuedBy  string         `json:"issued_by"`
	ExpiresAt *time.Time     `json:"expires_at"`
	Metadata  datatypes.JSON `json:"metadata"`
}

type PurchaseRequest struct {
	Kind           Kind           `json:"kind"`
	AccountID      string         `json:"account_id"`
	FaceValue      int64          `json:"face_value"`
	Points         int64          `json:"points"`
	IdempotencyKey string         `json:"idempotency_key"`
	ExpiresAt      *time.Time     `json:"expires_at"`
	Metadata       datatypes.JSON `json:"metadata"`
}

type RedeemRequest struct {
	Code      string `json:"code"`
	Amount    int64  `json:"amount"`
	BookingID string `json:"booking_id"`
}

type RedeemResult struct {
	Instrument *Instrument `json:"instrument"`
	Redemption *Redemption `json:"redemption"`
}

type CancelRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
