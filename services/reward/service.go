package reward

import (
	"context"

	"charter-loyalty/pkg/errutil"
	"charter-loyalty/pkg/repository"
	"charter-loyalty/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ErrItemNotFound(itemID string) error {
	return errutil.NotFound("catalog item not found",
		errutil.WithDetails(errutil.Detail{Field: "item_id", Message: itemID}))
}

func ErrSoldOut(itemID string) error {
	return errutil.Conflict("catalog item sold out",
		errutil.WithDetails(errutil.Detail{Field: "item_id", Message: itemID}))
}

func ErrPerUserLimit(itemID string) error {
	return errutil.Conflict("per-user redemption limit reached",
		errutil.WithDetails(errutil.Detail{Field: "item_id", Message: itemID}))
}

type balanceEngine interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.Entry, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (*ledger.Entry, error)
	Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.Entry, error)
}

// CodeGenerator issues the human-facing redemption codes.
type CodeGenerator interface {
	NextRedemptionCode(ctx context.Context) (string, error)
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	codes       CodeGenerator
	points      balanceEngine
	items       repository.Repository[CatalogItem]
	redemptions repository.Repository[Redemption]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Codes       CodeGenerator
	Ledger      *ledger.Service
	Items       repository.Repository[CatalogItem]
	Redemptions repository.Repository[Redemption]
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		codes:       p.Codes,
		points:      p.Ledger,
		items:       p.Items,
		redemptions: p.Redemptions,
	}
}

func (s *Service) CreateItem(ctx context.Context, req CreateItemRequest) (*CatalogItem, error) {
	switch {
	case req.Name == "":
		return nil, errutil.ValidationFailed("name is required")
	case req.CostPoints <= 0:
		return nil, errutil.ValidationFailed("cost_points must be positive")
	case !req.Unlimited && req.Quantity <= 0:
		return nil, errutil.ValidationFailed("quantity must be positive unless unlimited")
	case req.PerUserLimit < 0:
		return nil, errutil.ValidationFailed("per_user_limit cannot be negative")
	}

	item := &CatalogItem{
		ID:           s.node.Generate().String(),
		Name:         req.Name,
		Description:  req.Description,
		CostPoints:   req.CostPoints,
		Quantity:     req.Quantity,
		Unlimited:    req.Unlimited,
		PerUserLimit: req.PerUserLimit,
		Metadata:     req.Metadata,
		Active:       true,
	}
	if err := s.items.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, itemID string) (*CatalogItem, error) {
	item, err := s.items.FindOne(ctx, &CatalogItem{ID: itemID})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrItemNotFound(itemID)
	}
	return item, nil
}

func (s *Service) ListItems(ctx context.Context) ([]*CatalogItem, error) {
	return s.items.Find(ctx, &CatalogItem{Active: true})
}

func (s *Service) DeactivateItem(ctx context.Context, itemID string) error {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	return s.items.Update(ctx, itemID, map[string]any{"active": false})
}

// Redeem spends points on a catalog item. The stock decrement is a guarded
// update so two buyers cannot take the last unit, and a failure after the
// debit pays the points back.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	switch {
	case req.AccountID == "":
		return nil, errutil.ValidationFailed("account_id is required")
	case req.ItemID == "":
		return nil, errutil.ValidationFailed("item_id is required")
	case req.IdempotencyKey == "":
		return nil, errutil.ValidationFailed("idempotency_key is required")
	}

	existing, err := s.redemptions.FindOne(ctx, &Redemption{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	item, err := s.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if !item.Active {
		return nil, errutil.Gone("catalog item is no longer available",
			errutil.WithDetails(errutil.Detail{Field: "item_id", Message: req.ItemID}))
	}
	if !item.Unlimited && item.Quantity <= 0 {
		return nil, ErrSoldOut(req.ItemID)
	}

	if item.PerUserLimit > 0 {
		// Cancelled redemptions give the slot back.
		count, err := s.redemptions.Count(ctx, &Redemption{ItemID: req.ItemID, AccountID: req.AccountID, Status: RedemptionCompleted})
		if err != nil {
			return nil, err
		}
		if count >= item.PerUserLimit {
			return nil, ErrPerUserLimit(req.ItemID)
		}
	}

	code, err := s.codes.NextRedemptionCode(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := s.points.Debit(ctx, ledger.DebitRequest{
		AccountID:      req.AccountID,
		Amount:         item.CostPoints,
		IdempotencyKey: "reward:" + req.IdempotencyKey,
		Reference:      item.ID,
		Description:    "reward redemption: " + item.Name,
	})
	if err != nil {
		return nil, err
	}

	redemption := &Redemption{
		ID:             s.node.Generate().String(),
		Code:           code,
		ItemID:         item.ID,
		AccountID:      req.AccountID,
		EntryID:        entry.ID,
		CostPoints:     item.CostPoints,
		Status:         RedemptionCompleted,
		IdempotencyKey: req.IdempotencyKey,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !item.Unlimited {
			res := tx.Model(&CatalogItem{}).
				Where("id = ? AND quantity > 0", item.ID).
				Update("quantity", gorm.Expr("quantity - 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrSoldOut(req.ItemID)
			}
		}
		return s.redemptions.WithTrx(tx).Create(ctx, redemption)
	})
	if err != nil {
		// The debit committed but the redemption did not. Pay the points back
		// so the caller can retry cleanly.
		if _, refundErr := s.points.Credit(ctx, ledger.CreditRequest{
			AccountID:      req.AccountID,
			Amount:         item.CostPoints,
			IdempotencyKey: "reward-refund:" + req.IdempotencyKey,
			Reference:      item.ID,
			Description:    "reward redemption reversal",
		}); refundErr != nil {
			zap.L().Error("reward redemption reversal failed",
				zap.String("account_id", req.AccountID),
				zap.String("item_id", item.ID),
				zap.Error(refundErr),
			)
		}
		return nil, err
	}

	zap.L().Info("reward redeemed",
		zap.String("account_id", req.AccountID),
		zap.String("item_id", item.ID),
		zap.Int64("cost_points", item.CostPoints),
	)
	return redemption, nil
}

// CancelRedemption voids a completed redemption: the paid points come back as
// a refund against the original debit and limited stock is restored. The
// guarded status flip restocks exactly once; the refund is idempotency-keyed,
// so cancelling an already-cancelled redemption replays a lost refund instead
// of failing.
func (s *Service) CancelRedemption(ctx context.Context, redemptionID string) (*Redemption, error) {
	redemption, err := s.redemptions.FindOne(ctx, &Redemption{ID: redemptionID})
	if err != nil {
		return nil, err
	}
	if redemption == nil {
		return nil, errutil.NotFound("redemption not found",
			errutil.WithDetails(errutil.Detail{Field: "redemption_id", Message: redemptionID}))
	}

	item, err := s.GetItem(ctx, redemption.ItemID)
	if err != nil {
		return nil, err
	}

	if redemption.Status == RedemptionCompleted {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Redemption{}).
				Where("id = ? AND status = ?", redemption.ID, RedemptionCompleted).
				Update("status", RedemptionCancelled)
			if res.Error != nil {
				return res.Error
			}
			// Zero rows means a concurrent cancel won the flip and restocked.
			if res.RowsAffected > 0 && !item.Unlimited {
				return tx.Model(&CatalogItem{}).
					Where("id = ?", item.ID).
					Update("quantity", gorm.Expr("quantity + 1")).Error
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.points.Refund(ctx, ledger.RefundRequest{
		AccountID:      redemption.AccountID,
		EntryID:        redemption.EntryID,
		Amount:         redemption.CostPoints,
		IdempotencyKey: "reward-cancel:" + redemption.ID,
		Description:    "cancelled reward redemption: " + item.Name,
	}); err != nil {
		zap.L().Error("reward cancellation refund failed",
			zap.String("redemption_id", redemption.ID),
			zap.Error(err),
		)
		return nil, err
	}

	zap.L().Info("reward redemption cancelled",
		zap.String("redemption_id", redemption.ID),
		zap.String("item_id", item.ID),
	)
	redemption.Status = RedemptionCancelled
	return redemption, nil
}

func (s *Service) ListRedemptions(ctx context.Context, accountID string) ([]*Redemption, error) {
	return s.redemptions.Find(ctx, &Redemption{AccountID: accountID})
}
