package quest

import (
	"time"

	"gorm.io/datatypes"
)

type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodSpecial PeriodType = "special"
)

// Definition describes a repeatable quest. EligibilityExpr is an optional CEL
// expression evaluated against the recording event; empty means everyone
// qualifies.
type Definition struct {
	ID              string         `json:"id" gorm:"column:id;primaryKey"`
	Name            string         `json:"name" gorm:"column:name;not null"`
	PeriodType      PeriodType     `json:"period_type" gorm:"column:period_type;not null"`
	Target          int64          `json:"target" gorm:"column:target;not null"`
	RewardPoints    int64          `json:"reward_points" gorm:"column:reward_points;not null"`
	EligibilityExpr string         `json:"eligibility_expr,omitempty" gorm:"column:eligibility_expr"`
	Trigger         string         `json:"trigger,omitempty" gorm:"column:trigger;index"`
	Metadata        datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata"`
	Active          bool           `json:"active" gorm:"column:active;not null;default:true"`
	CreatedAt       time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (Definition) TableName() string { return "quest_definitions" }

// Progress counts one account's activity for one quest in one period. The
// composite key makes the period rollover implicit: a new period key starts a
// fresh row.
type Progress struct {
	AccountID   string     `json:"account_id" gorm:"column:account_id;primaryKey"`
	QuestID     string     `json:"quest_id" gorm:"column:quest_id;primaryKey"`
	PeriodKey   string     `json:"period_key" gorm:"column:period_key;primaryKey"`
	Count       int64      `json:"count" gorm:"column:count;not null;default:0"`
	Target      int64      `json:"target" gorm:"column:target;not null"`
	Completed   bool       `json:"completed" gorm:"column:completed;not null;default:false"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	Claimed     bool       `json:"claimed" gorm:"column:claimed;not null;default:false"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty" gorm:"column:claimed_at"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (Progress) TableName() string { return "quest_progress" }

// Streak tracks consecutive daily check-ins per account. LastCheckIn holds
// the UTC date of the most recent check-in.
type Streak struct {
	AccountID     string    `json:"account_id" gorm:"column:account_id;primaryKey"`
	Current       int64     `json:"current" gorm:"column:current;not null;default:0"`
	Longest       int64     `json:"longest" gorm:"column:longest;not null;default:0"`
	TotalCheckIns int64     `json:"total_check_ins" gorm:"column:total_check_ins;not null;default:0"`
	LastCheckIn   string    `json:"last_check_in" gorm:"column:last_check_in"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Streak) TableName() string { return "quest_streaks" }

// TriggerCheckIn marks a definition whose progress is driven by daily
// check-ins instead of explicit RecordProgress calls.
const TriggerCheckIn = "check_in"

type CreateDefinitionRequest struct {
	Name            string         `json:"name"`
	PeriodType      PeriodType     `json:"period_type"`
	Target          int64          `json:"target"`
	RewardPoints    int64          `json:"reward_points"`
	EligibilityExpr string         `json:"eligibility_expr"`
	Trigger         string         `json:"trigger"`
	Metadata        datatypes.JSON `json:"metadata"`
}

type RecordProgressRequest struct {
	AccountID  string         `json:"account_id"`
	QuestID    string         `json:"quest_id"`
	Delta      int64          `json:"delta"`
	Attributes map[string]any `json:"attributes"`
}

type RecordProgressResult struct {
	Progress  *Progress `json:"progress"`
	Completed bool      `json:"completed"`
	Eligible  bool      `json:"eligible"`
}

type ClaimRequest struct {
	AccountID string `json:"account_id"`
	QuestID   string `json:"quest_id"`
	PeriodKey string `json:"period_key"`
}

type ClaimResult struct {
	Progress       *Progress `json:"progress"`
	PointsAwarded  int64     `json:"points_awarded"`
	AlreadyClaimed bool      `json:"already_claimed"`
}

type CheckInResult struct {
	Streak           *Streak `json:"streak"`
	DailyPoints      int64   `json:"daily_points"`
	MilestoneBonus   int64   `json:"milestone_bonus"`
	AlreadyCheckedIn bool    `json:"already_checked_in"`
}
