package reward

import (
	"time"

	"gorm.io/datatypes"
)

// CatalogItem is something points can buy. Quantity counts remaining stock
// and is only enforced when Unlimited is false.
type CatalogItem struct {
	ID           string         `json:"id" gorm:"column:id;primaryKey"`
	Name         string         `json:"name" gorm:"column:name;not null"`
	Description  string         `json:"description,omitempty" gorm:"column:description"`
	CostPoints   int64          `json:"cost_points" gorm:"column:cost_points;not null"`
	Quantity     int64          `json:"quantity" gorm:"column:quantity;not null;default:0"`
	Unlimited    bool           `json:"unlimited" gorm:"column:unlimited;not null;default:false"`
	PerUserLimit int64          `json:"per_user_limit" gorm:"column:per_user_limit;not null;default:0"`
	Metadata     datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`
	Active       bool           `json:"active" gorm:"column:active;not null;default:true"`
	CreatedAt    time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (CatalogItem) TableName() string { return "reward_catalog_items" }

const (
	RedemptionCompleted = "completed"
	RedemptionCancelled = "cancelled"
)

// Redemption records one successful catalog purchase. EntryID points at the
// ledger debit that paid for it; cancellation refunds that entry and flips
// Status to cancelled.
type Redemption struct {
	ID             string    `json:"id" gorm:"column:id;primaryKey"`
	Code           string    `json:"code" gorm:"column:code;not null;uniqueIndex"`
	ItemID         string    `json:"item_id" gorm:"column:item_id;not null;index"`
	AccountID      string    `json:"account_id" gorm:"column:account_id;not null;index"`
	EntryID        string    `json:"entry_id" gorm:"column:entry_id;not null"`
	CostPoints     int64     `json:"cost_points" gorm:"column:cost_points;not null"`
	Status         string    `json:"status" gorm:"column:status;not null;default:completed;index"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"column:idempotency_key;not null;uniqueIndex"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Redemption) TableName() string { return "reward_redemptions" }

type CreateItemRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	CostPoints   int64          `json:"cost_points"`
	Quantity     int64          `json:"quantity"`
	Unlimited    bool           `json:"unlimited"`
	PerUserLimit int64          `json:"per_user_limit"`
	Metadata     datatypes.JSON `json:"metadata"`
}

type RedeemRequest struct {
	AccountID      string `json:"account_id"`
	ItemID         string `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key"`
}
