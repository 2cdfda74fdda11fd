package quest

import (
	"context"
	"testing"
	"time"

	"charter-loyalty/pkg/celengine"
	"charter-loyalty/pkg/config"
	"charter-loyalty/pkg/errutil"
	"charter-loyalty/pkg/repository"
	"charter-loyalty/services/ledger"
	"charter-loyalty/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Account{}, &ledger.Entry{}, &ledger.CreditLot{},
		&Definition{}, &Progress{}, &Streak{},
	)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	engine, err := celengine.New()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Ledger.DebitMaxAttempts = 4

	ledgerSvc := ledger.NewService(ledger.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Accounts: repository.ProvideStore[ledger.Account](db),
		Entries:  repository.ProvideStore[ledger.Entry](db),
		Lots:     repository.ProvideStore[ledger.CreditLot](db),
	})

	svc := NewService(ServiceParams{
		DB:          db,
		Node:        node,
		CEL:         engine,
		Ledger:      ledgerSvc,
		Config:      cfg,
		Definitions: repository.ProvideStore[Definition](db),
		Streaks:     repository.ProvideStore[Streak](db),
	})
	return svc, ledgerSvc
}

func newDailyQuest(t *testing.T, svc *Service, target, reward int64) *Definition {
	t.Helper()
	def, err := svc.CreateDefinition(context.Background(), CreateDefinitionRequest{
		Name:         "book a court",
		PeriodType:   PeriodDaily,
		Target:       target,
		RewardPoints: reward,
	})
	require.NoError(t, err)
	return def
}

func TestRecordProgressAccumulates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	def := newDailyQuest(t, svc, 3, 100)

	result, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	require.True(t, result.Eligible)
	require.False(t, result.Completed)
	require.Equal(t, int64(1), result.Progress.Count)

	_, err = svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	result, err = svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, int64(3), result.Progress.Count)
}

func TestRecordProgressCapsAtTarget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	def := newDailyQuest(t, svc, 2, 100)

	_, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID, Delta: 5})
	require.NoError(t, err)

	result, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, int64(2), result.Progress.Count)
	require.NotNil(t, result.Progress.CompletedAt)
}

func TestCheckInDrivesCheckInQuests(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, CreateDefinitionRequest{
		Name:         "daily visit",
		PeriodType:   PeriodDaily,
		Target:       1,
		RewardPoints: 20,
		Trigger:      TriggerCheckIn,
	})
	require.NoError(t, err)

	day := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return day }

	_, err = svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)

	progress, err := svc.GetProgress(ctx, "acct-1", def.ID, "")
	require.NoError(t, err)
	require.True(t, progress.Completed)
}

func TestRecordProgressEligibilityExpression(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, CreateDefinitionRequest{
		Name:            "weekend warrior",
		PeriodType:      PeriodWeekly,
		Target:          1,
		RewardPoints:    50,
		EligibilityExpr: `event.sport == "tennis"`,
	})
	require.NoError(t, err)

	result, err := svc.RecordProgress(ctx, RecordProgressRequest{
		AccountID:  "acct-1",
		QuestID:    def.ID,
		Attributes: map[string]any{"sport": "golf"},
	})
	require.NoError(t, err)
	require.False(t, result.Eligible)
	require.Nil(t, result.Progress)

	result, err = svc.RecordProgress(ctx, RecordProgressRequest{
		AccountID:  "acct-1",
		QuestID:    def.ID,
		Attributes: map[string]any{"sport": "tennis"},
	})
	require.NoError(t, err)
	require.True(t, result.Eligible)
	require.Equal(t, int64(1), result.Progress.Count)
}

func TestCreateDefinitionRejectsBadExpression(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateDefinition(context.Background(), CreateDefinitionRequest{
		Name:            "broken",
		PeriodType:      PeriodDaily,
		Target:          1,
		RewardPoints:    10,
		EligibilityExpr: `event.sport ==`,
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestClaimAwardsExactlyOnce(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	def := newDailyQuest(t, svc, 1, 100)

	_, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)

	result, err := svc.Claim(ctx, ClaimRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	require.False(t, result.AlreadyClaimed)
	require.Equal(t, int64(100), result.PointsAwarded)

	replay, err := svc.Claim(ctx, ClaimRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	require.True(t, replay.AlreadyClaimed)
	require.Equal(t, int64(0), replay.PointsAwarded)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), acct.Balance)
}

func TestClaimIncompleteQuest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	def := newDailyQuest(t, svc, 5, 100)

	_, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, ClaimRequest{AccountID: "acct-1", QuestID: def.ID})
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))
}

func TestClaimWithoutProgress(t *testing.T) {
	svc, _ := newTestService(t)
	def := newDailyQuest(t, svc, 1, 100)

	_, err := svc.Claim(context.Background(), ClaimRequest{AccountID: "acct-1", QuestID: def.ID})
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestPeriodRolloverStartsFreshProgress(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	def := newDailyQuest(t, svc, 2, 100)

	day1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return day1 }

	_, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)

	svc.now = func() time.Time { return day1.AddDate(0, 0, 1) }

	result, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Progress.Count)
	require.Equal(t, "2026-08-31", result.Progress.PeriodKey)

	// Day one's row is untouched.
	p, err := svc.getProgress(ctx, "acct-1", def.ID, "2026-08-30")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Count)
}

func TestRecordProgressInactiveQuest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	def := newDailyQuest(t, svc, 1, 100)

	require.NoError(t, svc.DeactivateDefinition(ctx, def.ID))

	_, err := svc.RecordProgress(ctx, RecordProgressRequest{AccountID: "acct-1", QuestID: def.ID})
	require.True(t, errutil.HasStatus(err, errutil.StatusGone))
}

func TestCheckInBuildsStreak(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return day }

	result, err := svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Streak.Current)
	require.Equal(t, int64(3), result.DailyPoints)
	require.Equal(t, int64(0), result.MilestoneBonus)

	// Same day again: no double award.
	result, err = svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, result.AlreadyCheckedIn)

	svc.now = func() time.Time { return day.AddDate(0, 0, 1) }
	result, err = svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Streak.Current)

	svc.now = func() time.Time { return day.AddDate(0, 0, 2) }
	result, err = svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Streak.Current)
	require.Equal(t, int64(3), result.Streak.TotalCheckIns)
	require.Equal(t, int64(25), result.MilestoneBonus)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	// Three daily awards plus the day-three milestone.
	require.Equal(t, int64(3+3+3+25), acct.Balance)
}

func TestCheckInGapResetsStreak(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return day }

	_, err := svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)
	svc.now = func() time.Time { return day.AddDate(0, 0, 1) }
	_, err = svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)

	// Two days of silence.
	svc.now = func() time.Time { return day.AddDate(0, 0, 4) }
	result, err := svc.CheckIn(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Streak.Current)
	require.Equal(t, int64(2), result.Streak.Longest)
	require.Equal(t, int64(3), result.Streak.TotalCheckIns)
}

func TestDailyCheckInPointsTiers(t *testing.T) {
	require.Equal(t, int64(3), dailyCheckInPoints(1))
	require.Equal(t, int64(5), dailyCheckInPoints(7))
	require.Equal(t, int64(7), dailyCheckInPoints(14))
	require.Equal(t, int64(10), dailyCheckInPoints(30))
	require.Equal(t, int64(15), dailyCheckInPoints(60))
	require.Equal(t, int64(20), dailyCheckInPoints(100))
	require.Equal(t, int64(25), dailyCheckInPoints(365))
}
