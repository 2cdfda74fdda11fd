package reward

import (
	"context"
	"fmt"
	"testing"

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

type stubCodes struct {
	n int
}

func (s *stubCodes) NextRedemptionCode(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("RD-TEST-%04d", s.n), nil
}

func newTestService(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Account{}, &ledger.Entry{}, &ledger.CreditLot{},
		&CatalogItem{}, &Redemption{},
	)
	node, err := snowflake.NewNode(4)
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
		Codes:       &stubCodes{},
		Ledger:      ledgerSvc,
		Items:       repository.ProvideStore[CatalogItem](db),
		Redemptions: repository.ProvideStore[Redemption](db),
	})
	return svc, ledgerSvc
}

func seedBalance(t *testing.T, ledgerSvc *ledger.Service, accountID string, amount int64) {
	t.Helper()
	_, err := ledgerSvc.Credit(context.Background(), ledger.CreditRequest{
		AccountID: accountID, Amount: amount, IdempotencyKey: "seed:" + accountID,
	})
	require.NoError(t, err)
}

func TestRedeemSpendsPointsAndDecrementsStock(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "free session", CostPoints: 200, Quantity: 3})
	require.NoError(t, err)

	redemption, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)
	require.Equal(t, int64(200), redemption.CostPoints)
	require.NotEmpty(t, redemption.EntryID)
	require.NotEmpty(t, redemption.Code)
	require.Equal(t, RedemptionCompleted, redemption.Status)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), acct.Balance)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Quantity)
}

func TestRedeemIdempotentReplay(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "free session", CostPoints: 100, Quantity: 5})
	require.NoError(t, err)

	first, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)
	second, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(400), acct.Balance)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Quantity)
}

func TestRedeemInsufficientPoints(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 50)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "free session", CostPoints: 100, Quantity: 5})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.True(t, errutil.HasStatus(err, errutil.StatusPaymentRequired))

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Quantity)
}

func TestRedeemSoldOut(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "rare prize", CostPoints: 100, Quantity: 1})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-2"})
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	// The failed attempt must not cost any points.
	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(400), acct.Balance)
}

func TestRedeemPerUserLimit(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)
	seedBalance(t, ledgerSvc, "acct-2", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "session pass", CostPoints: 100, Quantity: 10, PerUserLimit: 1})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-2"})
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	// Another account is unaffected by the first account's limit.
	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-2", ItemID: item.ID, IdempotencyKey: "rd-3"})
	require.NoError(t, err)
}

func TestRedeemUnlimitedStock(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "digital badge", CostPoints: 10, Unlimited: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: fmt.Sprintf("rd-%d", i)})
		require.NoError(t, err)
	}
}

func TestRedeemInactiveItem(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "old promo", CostPoints: 100, Quantity: 5})
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateItem(ctx, item.ID))

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.True(t, errutil.HasStatus(err, errutil.StatusGone))
}

func TestCancelRedemptionRefundsAndRestocks(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "free session", CostPoints: 200, Quantity: 3})
	require.NoError(t, err)

	redemption, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)

	cancelled, err := svc.CancelRedemption(ctx, redemption.ID)
	require.NoError(t, err)
	require.Equal(t, RedemptionCancelled, cancelled.Status)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.Balance)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Quantity)
}

func TestCancelRedemptionReplayDoesNotDoubleRefund(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "free session", CostPoints: 100, Quantity: 3})
	require.NoError(t, err)

	redemption, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)

	_, err = svc.CancelRedemption(ctx, redemption.ID)
	require.NoError(t, err)

	// Replaying neither refunds twice nor restocks twice.
	again, err := svc.CancelRedemption(ctx, redemption.ID)
	require.NoError(t, err)
	require.Equal(t, RedemptionCancelled, again.Status)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.Balance)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Quantity)
}

// flakyEngine fails a configured number of refunds before delegating.
type flakyEngine struct {
	*ledger.Service
	failures int
}

func (f *flakyEngine) Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.Entry, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errutil.Unavailable("ledger unavailable")
	}
	return f.Service.Refund(ctx, req)
}

func TestCancelRedemptionRetryRecoversLostRefund(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "free session", CostPoints: 200, Quantity: 3})
	require.NoError(t, err)

	redemption, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)

	svc.points = &flakyEngine{Service: ledgerSvc, failures: 1}

	// The flip and restock commit but the refund does not.
	_, err = svc.CancelRedemption(ctx, redemption.ID)
	require.Error(t, err)

	acct, err := ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), acct.Balance)

	// The retry replays the refund.
	cancelled, err := svc.CancelRedemption(ctx, redemption.ID)
	require.NoError(t, err)
	require.Equal(t, RedemptionCancelled, cancelled.Status)

	acct, err = ledgerSvc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.Balance)

	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Quantity)
}

func TestCancelRedemptionFreesPerUserSlot(t *testing.T) {
	svc, ledgerSvc := newTestService(t)
	ctx := context.Background()
	seedBalance(t, ledgerSvc, "acct-1", 500)

	item, err := svc.CreateItem(ctx, CreateItemRequest{Name: "session pass", CostPoints: 100, Quantity: 10, PerUserLimit: 1})
	require.NoError(t, err)

	redemption, err := svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-1"})
	require.NoError(t, err)

	_, err = svc.CancelRedemption(ctx, redemption.ID)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemRequest{AccountID: "acct-1", ItemID: item.ID, IdempotencyKey: "rd-2"})
	require.NoError(t, err)
}

func TestCancelUnknownRedemption(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CancelRedemption(context.Background(), "missing")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestCreateItemValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateItem(ctx, CreateItemRequest{CostPoints: 10, Quantity: 1})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = svc.CreateItem(ctx, CreateItemRequest{Name: "x", CostPoints: 0, Quantity: 1})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = svc.CreateItem(ctx, CreateItemRequest{Name: "x", CostPoints: 10, Quantity: 0})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}
