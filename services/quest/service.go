package quest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"charter-loyalty/pkg/celengine"
	"charter-loyalty/pkg/config"
	"charter-loyalty/pkg/errutil"
	"charter-loyalty/pkg/repository"
	"charter-loyalty/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxAttempts = 4

var errCheckInConflict = errors.New("check-in state conflict")

// Streak milestones and their one-time bonus, awarded the day the streak
// reaches the milestone.
var milestoneBonus = map[int64]int64{
	3:   25,
	7:   50,
	14:  100,
	30:  300,
	60:  500,
	100: 1000,
	365: 5000,
}

// dailyCheckInPoints is the base award per check-in, scaled by how long the
// streak has been running.
func dailyCheckInPoints(streak int64) int64 {
	switch {
	case streak >= 365:
		return 25
	case streak >= 100:
		return 20
	case streak >= 60:
		return 15
	case streak >= 30:
		return 10
	case streak >= 14:
		return 7
	case streak >= 7:
		return 5
	default:
		return 3
	}
}

func ErrQuestNotFound(questID string) error {
	return errutil.NotFound("quest not found",
		errutil.WithDetails(errutil.Detail{Field: "quest_id", Message: questID}))
}

type balanceEngine interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.Entry, error)
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	cel         *celengine.Engine
	points      balanceEngine
	definitions repository.Repository[Definition]
	streaks     repository.Repository[Streak]
	maxAttempts int
	now         func() time.Time
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	CEL         *celengine.Engine
	Ledger      *ledger.Service
	Config      *config.Config
	Definitions repository.Repository[Definition]
	Streaks     repository.Repository[Streak]
}

func NewService(p ServiceParams) *Service {
	maxAttempts := p.Config.Ledger.DebitMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		cel:         p.CEL,
		points:      p.Ledger,
		definitions: p.Definitions,
		streaks:     p.Streaks,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*Definition, error) {
	switch {
	case req.Name == "":
		return nil, errutil.ValidationFailed("name is required")
	case req.PeriodType != PeriodDaily && req.PeriodType != PeriodWeekly && req.PeriodType != PeriodMonthly && req.PeriodType != PeriodSpecial:
		return nil, errutil.ValidationFailed("period_type must be daily, weekly, monthly or special")
	case req.Target <= 0:
		return nil, errutil.ValidationFailed("target must be positive")
	case req.RewardPoints <= 0:
		return nil, errutil.ValidationFailed("reward_points must be positive")
	case req.Trigger != "" && req.Trigger != TriggerCheckIn:
		return nil, errutil.ValidationFailed("unknown trigger")
	}

	if req.EligibilityExpr != "" {
		if _, err := s.cel.Eval(req.EligibilityExpr, map[string]any{
			"account":  map[string]any{},
			"progress": map[string]any{},
			"event":    map[string]any{},
		}); err != nil {
			return nil, errutil.ValidationFailed("invalid eligibility expression", errutil.WithErr(err))
		}
	}

	def := &Definition{
		ID:              s.node.Generate().String(),
		Name:            req.Name,
		PeriodType:      req.PeriodType,
		Target:          req.Target,
		RewardPoints:    req.RewardPoints,
		EligibilityExpr: req.EligibilityExpr,
		Trigger:         req.Trigger,
		Metadata:        req.Metadata,
		Active:          true,
	}
	if err := s.definitions.Create(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Service) GetDefinition(ctx context.Context, questID string) (*Definition, error) {
	def, err := s.definitions.FindOne(ctx, &Definition{ID: questID})
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrQuestNotFound(questID)
	}
	return def, nil
}

func (s *Service) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	return s.definitions.Find(ctx, &Definition{Active: true})
}

func (s *Service) DeactivateDefinition(ctx context.Context, questID string) error {
	if _, err := s.GetDefinition(ctx, questID); err != nil {
		return err
	}
	return s.definitions.Update(ctx, questID, map[string]any{"active": false})
}

// RecordProgress adds delta to the account's counter for the quest's current
// period. The increment is a single atomic update, so concurrent recorders
// never lose counts.
func (s *Service) RecordProgress(ctx context.Context, req RecordProgressRequest) (*RecordProgressResult, error) {
	switch {
	case req.AccountID == "":
		return nil, errutil.ValidationFailed("account_id is required")
	case req.QuestID == "":
		return nil, errutil.ValidationFailed("quest_id is required")
	}
	if req.Delta <= 0 {
		req.Delta = 1
	}

	def, err := s.GetDefinition(ctx, req.QuestID)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, errutil.Gone("quest is no longer active",
			errutil.WithDetails(errutil.Detail{Field: "quest_id", Message: req.QuestID}))
	}

	eligible, err := s.cel.Eval(def.EligibilityExpr, map[string]any{
		"account":  map[string]any{"id": req.AccountID},
		"progress": map[string]any{},
		"event":    req.Attributes,
	})
	if err != nil {
		return nil, errutil.Internal("eligibility evaluation failed", errutil.WithErr(err))
	}
	if !eligible {
		return &RecordProgressResult{Eligible: false}, nil
	}

	period := PeriodKey(def.PeriodType, s.now())

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.bumpProgress(tx, def, req.AccountID, period, req.Delta)
	})
	if err != nil {
		return nil, err
	}

	progress, err := s.getProgress(ctx, req.AccountID, req.QuestID, period)
	if err != nil {
		return nil, err
	}
	if progress.Completed && progress.CompletedAt == nil {
		completedAt := s.now()
		err := s.db.WithContext(ctx).Model(&Progress{}).
			Where("account_id = ? AND quest_id = ? AND period_key = ? AND completed_at IS NULL", req.AccountID, req.QuestID, period).
			Update("completed_at", completedAt).Error
		if err != nil {
			return nil, err
		}
		progress.CompletedAt = &completedAt
	}
	return &RecordProgressResult{
		Progress:  progress,
		Completed: progress.Completed,
		Eligible:  true,
	}, nil
}

// bumpProgress adds delta to the period counter, capping at the target and
// stamping completion. Completed rows are left alone, so progress past the
// target is a no-op.
func (s *Service) bumpProgress(tx *gorm.DB, def *Definition, accountID, period string, delta int64) error {
	bump := map[string]any{
		"count":     gorm.Expr("CASE WHEN count + ? >= target THEN target ELSE count + ? END", delta, delta),
		"completed": gorm.Expr("count + ? >= target", delta),
	}
	res := tx.Model(&Progress{}).
		Where("account_id = ? AND quest_id = ? AND period_key = ? AND completed = ?", accountID, def.ID, period, false).
		Updates(bump)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var existing Progress
	err := tx.Where("account_id = ? AND quest_id = ? AND period_key = ?", accountID, def.ID, period).
		First(&existing).Error
	if err == nil {
		// Already completed.
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	count := delta
	if count > def.Target {
		count = def.Target
	}
	p := &Progress{
		AccountID: accountID,
		QuestID:   def.ID,
		PeriodKey: period,
		Count:     count,
		Target:    def.Target,
		Completed: count >= def.Target,
	}
	if p.Completed {
		completedAt := s.now()
		p.CompletedAt = &completedAt
	}
	err = tx.Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the insert race; fold the delta into the winner's row.
		return tx.Model(&Progress{}).
			Where("account_id = ? AND quest_id = ? AND period_key = ? AND completed = ?", accountID, def.ID, period, false).
			Updates(bump).Error
	}
	return err
}

// Claim awards the quest reward exactly once per period. A replayed claim
// reports AlreadyClaimed without paying out again.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	switch {
	case req.AccountID == "":
		return nil, errutil.ValidationFailed("account_id is required")
	case req.QuestID == "":
		return nil, errutil.ValidationFailed("quest_id is required")
	}

	def, err := s.GetDefinition(ctx, req.QuestID)
	if err != nil {
		return nil, err
	}

	period := req.PeriodKey
	if period == "" {
		period = PeriodKey(def.PeriodType, s.now())
	}

	progress, err := s.getProgress(ctx, req.AccountID, req.QuestID, period)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, errutil.NotFound("no progress for this period",
			errutil.WithDetails(errutil.Detail{Field: "period_key", Message: period}))
	}
	if !progress.Completed {
		return nil, errutil.UnprocessableEntity("quest not completed",
			errutil.WithDetails(errutil.Detail{Field: "period_key", Message: period}))
	}

	claimedAt := s.now()
	res := s.db.WithContext(ctx).Model(&Progress{}).
		Where("account_id = ? AND quest_id = ? AND period_key = ? AND claimed = ?", req.AccountID, req.QuestID, period, false).
		Updates(map[string]any{"claimed": true, "claimed_at": claimedAt})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		progress.Claimed = true
		return &ClaimResult{Progress: progress, AlreadyClaimed: true}, nil
	}

	if _, err := s.points.Credit(ctx, ledger.CreditRequest{
		AccountID:      req.AccountID,
		Amount:         def.RewardPoints,
		IdempotencyKey: fmt.Sprintf("quest:%s:%s:%s", req.QuestID, req.AccountID, period),
		Reference:      req.QuestID,
		Description:    "quest reward: " + def.Name,
	}); err != nil {
		return nil, err
	}

	progress.Claimed = true
	progress.ClaimedAt = &claimedAt
	zap.L().Info("quest claimed",
		zap.String("account_id", req.AccountID),
		zap.String("quest_id", req.QuestID),
		zap.String("period_key", period),
		zap.Int64("points", def.RewardPoints),
	)
	return &ClaimResult{Progress: progress, PointsAwarded: def.RewardPoints}, nil
}

func (s *Service) GetProgress(ctx context.Context, accountID, questID, periodKey string) (*Progress, error) {
	if periodKey == "" {
		def, err := s.GetDefinition(ctx, questID)
		if err != nil {
			return nil, err
		}
		periodKey = PeriodKey(def.PeriodType, s.now())
	}
	progress, err := s.getProgress(ctx, accountID, questID, periodKey)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, errutil.NotFound("no progress for this period",
			errutil.WithDetails(errutil.Detail{Field: "period_key", Message: periodKey}))
	}
	return progress, nil
}

func (s *Service) getProgress(ctx context.Context, accountID, questID, periodKey string) (*Progress, error) {
	var p Progress
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND quest_id = ? AND period_key = ?", accountID, questID, periodKey).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CheckIn advances the account's daily streak. A second check-in on the same
// day is a no-op; a missed day resets the streak to one.
func (s *Service) CheckIn(ctx context.Context, accountID string) (*CheckInResult, error) {
	if accountID == "" {
		return nil, errutil.ValidationFailed("account_id is required")
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		result, err := s.tryCheckIn(ctx, accountID)
		if errors.Is(err, errCheckInConflict) {
			continue
		}
		return result, err
	}
	return nil, errutil.Conflict("check-in busy, retry",
		errutil.WithDetails(errutil.Detail{Field: "account_id", Message: accountID}))
}

func (s *Service) tryCheckIn(ctx context.Context, accountID string) (*CheckInResult, error) {
	now := s.now()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	streak, err := s.streaks.FindOne(ctx, &Streak{AccountID: accountID})
	if err != nil {
		return nil, err
	}

	if streak == nil {
		streak = &Streak{AccountID: accountID, Current: 1, Longest: 1, TotalCheckIns: 1, LastCheckIn: today}
		if err := s.streaks.Create(ctx, streak); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, errCheckInConflict
			}
			return nil, err
		}
		return s.award(ctx, accountID, streak, today)
	}

	if streak.LastCheckIn == today {
		return &CheckInResult{Streak: streak, AlreadyCheckedIn: true}, nil
	}

	next := int64(1)
	if streak.LastCheckIn == yesterday {
		next = streak.Current + 1
	}
	longest := streak.Longest
	if next > longest {
		longest = next
	}

	res := s.db.WithContext(ctx).Model(&Streak{}).
		Where("account_id = ? AND last_check_in = ?", accountID, streak.LastCheckIn).
		Updates(map[string]any{
			"current":         next,
			"longest":         longest,
			"total_check_ins": gorm.Expr("total_check_ins + 1"),
			"last_check_in":   today,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errCheckInConflict
	}

	streak.Current = next
	streak.Longest = longest
	streak.TotalCheckIns++
	streak.LastCheckIn = today
	return s.award(ctx, accountID, streak, today)
}

func (s *Service) award(ctx context.Context, accountID string, streak *Streak, today string) (*CheckInResult, error) {
	daily := dailyCheckInPoints(streak.Current)
	if _, err := s.points.Credit(ctx, ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         daily,
		IdempotencyKey: fmt.Sprintf("checkin:%s:%s", accountID, today),
		Description:    "daily check-in",
	}); err != nil {
		return nil, err
	}

	bonus := milestoneBonus[streak.Current]
	if bonus > 0 {
		if _, err := s.points.Credit(ctx, ledger.CreditRequest{
			AccountID:      accountID,
			Amount:         bonus,
			IdempotencyKey: fmt.Sprintf("streak:%s:%d:%s", accountID, streak.Current, today),
			Description:    fmt.Sprintf("streak milestone: %d days", streak.Current),
		}); err != nil {
			return nil, err
		}
	}

	s.driveCheckInQuests(ctx, accountID)

	return &CheckInResult{Streak: streak, DailyPoints: daily, MilestoneBonus: bonus}, nil
}

// driveCheckInQuests advances every check-in triggered quest by one. Failures
// here never fail the check-in itself.
func (s *Service) driveCheckInQuests(ctx context.Context, accountID string) {
	defs, err := s.definitions.Find(ctx, &Definition{Active: true, Trigger: TriggerCheckIn})
	if err != nil {
		zap.L().Error("check-in quest lookup failed", zap.Error(err))
		return
	}
	for _, def := range defs {
		period := PeriodKey(def.PeriodType, s.now())
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.bumpProgress(tx, def, accountID, period, 1)
		})
		if err != nil {
			zap.L().Error("check-in quest progress failed",
				zap.String("quest_id", def.ID),
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) GetStreak(ctx context.Context, accountID string) (*Streak, error) {
	streak, err := s.streaks.FindOne(ctx, &Streak{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	if streak == nil {
		return &Streak{AccountID: accountID}, nil
	}
	return streak, nil
}
