package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"charter-loyalty/pkg/config"
	"charter-loyalty/pkg/db/option"
	"charter-loyalty/pkg/errutil"
	"charter-loyalty/pkg/repository"
	"charter-loyalty/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxAttempts = 4

var errVersionConflict = errors.New("instrument version conflict")

func ErrInstrumentNotFound(code string) error {
	return errutil.NotFound("instrument not found",
		errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
}

func ErrExpired(code string) error {
	return errutil.Gone("instrument expired",
		errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
}

func ErrNotActive(code string, status Status) error {
	return errutil.Conflict("instrument is "+string(status),
		errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
}

func ErrInsufficientValue(code string) error {
	return errutil.PaymentRequired("insufficient remaining value",
		errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
}

// CodeGenerator issues the human-facing instrument and redemption codes.
type CodeGenerator interface {
	NextInstrumentCode(ctx context.Context, kind string) (string, error)
	NextRedemptionCode(ctx context.Context) (string, error)
}

// balanceEngine is the slice of the ledger service this package spends and
// refunds points through.
type balanceEngine interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.Entry, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (*ledger.Entry, error)
	Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.Entry, error)
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	codes       CodeGenerator
	points      balanceEngine
	instruments repository.Repository[Instrument]
	redemptions repository.Repository[Redemption]
	events      repository.Repository[Event]
	maxAttempts int
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Codes       CodeGenerator
	Ledger      *ledger.Service
	Config      *config.Config
	Instruments repository.Repository[Instrument]
	Redemptions repository.Repository[Redemption]
	Events      repository.Repository[Event]
}

func NewService(p ServiceParams) *Service {
	maxAttempts := p.Config.Ledger.DebitMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		codes:       p.Codes,
		points:      p.Ledger,
		instruments: p.Instruments,
		redemptions: p.Redemptions,
		events:      p.Events,
		maxAttempts: maxAttempts,
	}
}

// Issue creates an active instrument with its full face value remaining.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Instrument, error) {
	if err := validateIssue(req.Kind, req.AccountID, req.FaceValue); err != nil {
		return nil, err
	}
	return s.issue(ctx, req, 0, "", "")
}

func (s *Service) issue(ctx context.Context, req IssueRequest, pointsPaid int64, purchaseKey, purchaseEntryID string) (*Instrument, error) {
	inst := &Instrument{
		ID:              s.node.Generate().String(),
		Kind:            req.Kind,
		AccountID:       req.AccountID,
		Status:          StatusActive,
		FaceValue:       req.FaceValue,
		Remaining:       req.FaceValue,
		IssuedBy:        req.IssuedBy,
		PointsPaid:      pointsPaid,
		PurchaseKey:     purchaseKey,
		PurchaseEntryID: purchaseEntryID,
		Metadata:        req.Metadata,
		ExpiresAt:       req.ExpiresAt,
	}

	// The unique code index backstops the generator; a collision just draws
	// a fresh code.
	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		inst.Code, err = s.codes.NextInstrumentCode(ctx, string(req.Kind))
		if err != nil {
			return nil, err
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.instruments.WithTrx(tx).Create(ctx, inst); err != nil {
				return err
			}
			return s.appendEvent(ctx, tx, inst.ID, EventIssued, map[string]any{
				"kind":       inst.Kind,
				"face_value": inst.FaceValue,
			})
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("instrument issued",
		zap.String("instrument_id", inst.ID),
		zap.String("code", inst.Code),
		zap.String("kind", string(inst.Kind)),
	)
	return inst, nil
}

// PurchaseWithPoints debits the buyer's points balance and issues the
// instrument. Replays with the same idempotency key return the instrument
// issued the first time.
func (s *Service) PurchaseWithPoints(ctx context.Context, req PurchaseRequest) (*Instrument, error) {
	if err := validateIssue(req.Kind, req.AccountID, req.FaceValue); err != nil {
		return nil, err
	}
	if req.Points <= 0 {
		return nil, errutil.ValidationFailed("points must be positive")
	}
	if req.IdempotencyKey == "" {
		return nil, errutil.ValidationFailed("idempotency_key is required")
	}

	existing, err := s.instruments.FindOne(ctx, &Instrument{AccountID: req.AccountID, PurchaseKey: req.IdempotencyKey})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	debit, err := s.points.Debit(ctx, ledger.DebitRequest{
		AccountID:      req.AccountID,
		Amount:         req.Points,
		IdempotencyKey: "instrument:purchase:" + req.IdempotencyKey,
		Description:    "stored value purchase",
	})
	if err != nil {
		return nil, err
	}

	inst, err := s.issue(ctx, IssueRequest{
		Kind:      req.Kind,
		AccountID: req.AccountID,
		FaceValue: req.FaceValue,
		ExpiresAt: req.ExpiresAt,
		Metadata:  req.Metadata,
	}, req.Points, req.IdempotencyKey, debit.ID)
	if err != nil {
		// The debit committed but issuance failed. Give the points back so a
		// retry starts from a clean slate.
		if _, refundErr := s.points.Credit(ctx, ledger.CreditRequest{
			AccountID:      req.AccountID,
			Amount:         req.Points,
			IdempotencyKey: "instrument:purchase-reversal:" + req.IdempotencyKey,
			Description:    "stored value purchase reversal",
		}); refundErr != nil {
			zap.L().Error("purchase reversal failed",
				zap.String("account_id", req.AccountID),
				zap.Error(refundErr),
			)
		}
		return nil, err
	}
	return inst, nil
}

func (s *Service) Get(ctx context.Context, code string) (*Instrument, error) {
	inst, err := s.instruments.FindOne(ctx, &Instrument{Code: code})
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrInstrumentNotFound(code)
	}
	return inst, nil
}

// Redeem draws value off an instrument. Drawing the balance to zero flips the
// status to redeemed in the same guarded update.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if req.Code == "" {
		return nil, errutil.ValidationFailed("code is required")
	}
	if req.Amount <= 0 {
		return nil, errutil.ValidationFailed("amount must be positive")
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		result, err := s.tryRedeem(ctx, req)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return result, err
	}
	return nil, errutil.Conflict("instrument busy, retry the redemption",
		errutil.WithDetails(errutil.Detail{Field: "code", Message: req.Code}))
}

func (s *Service) tryRedeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	inst, err := s.Get(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	if inst.Status == StatusActive && pastExpiry(inst, time.Now().UTC()) {
		if err := s.markExpired(ctx, inst); err != nil && !errors.Is(err, errVersionConflict) {
			return nil, err
		}
		return nil, ErrExpired(req.Code)
	}
	switch inst.Status {
	case StatusActive:
	case StatusExpired:
		return nil, ErrExpired(req.Code)
	default:
		return nil, ErrNotActive(req.Code, inst.Status)
	}
	if req.Amount > inst.Remaining {
		return nil, ErrInsufficientValue(req.Code)
	}

	redemptionCode, err := s.codes.NextRedemptionCode(ctx)
	if err != nil {
		return nil, err
	}

	remainingAfter := inst.Remaining - req.Amount
	newStatus := StatusActive
	if remainingAfter == 0 {
		newStatus = StatusRedeemed
	}

	var redemption *Redemption
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Instrument{}).
			Where("id = ? AND version = ? AND status = ? AND remaining >= ?", inst.ID, inst.Version, StatusActive, req.Amount).
			Updates(map[string]any{
				"remaining": gorm.Expr("remaining - ?", req.Amount),
				"version":   gorm.Expr("version + 1"),
				"status":    newStatus,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		redemption = &Redemption{
			ID:             s.node.Generate().String(),
			InstrumentID:   inst.ID,
			Code:           redemptionCode,
			Amount:         req.Amount,
			RemainingAfter: remainingAfter,
			BookingID:      req.BookingID,
		}
		if err := s.redemptions.WithTrx(tx).Create(ctx, redemption); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, inst.ID, EventRedeemed, map[string]any{
			"amount":          req.Amount,
			"remaining_after": remainingAfter,
		})
	})
	if err != nil {
		return nil, err
	}

	inst.Remaining = remainingAfter
	inst.Status = newStatus
	inst.Version++
	return &RedeemResult{Instrument: inst, Redemption: redemption}, nil
}

// Cancel voids an active instrument and, when it was bought with points,
// refunds what was paid. Cancelling an already-cancelled instrument replays
// the refund, so a cancel whose refund failed can be retried to completion.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*Instrument, error) {
	if req.Code == "" {
		return nil, errutil.ValidationFailed("code is required")
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		inst, err := s.tryCancel(ctx, req)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return inst, err
	}
	return nil, errutil.Conflict("instrument busy, retry the cancellation",
		errutil.WithDetails(errutil.Detail{Field: "code", Message: req.Code}))
}

func (s *Service) tryCancel(ctx context.Context, req CancelRequest) (*Instrument, error) {
	inst, err := s.Get(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusCancelled {
		// The status flip committed on an earlier attempt; the refund is
		// idempotency-keyed, so replaying repairs a lost one.
		if inst.PointsPaid > 0 {
			if err := s.refundPurchase(ctx, inst); err != nil {
				return nil, err
			}
		}
		return inst, nil
	}
	if inst.Status != StatusActive {
		return nil, ErrNotActive(req.Code, inst.Status)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Instrument{}).
			Where("id = ? AND version = ? AND status = ?", inst.ID, inst.Version, StatusActive).
			Updates(map[string]any{
				"status":  StatusCancelled,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		return s.appendEvent(ctx, tx, inst.ID, EventCancelled, map[string]any{
			"reason": req.Reason,
		})
	})
	if err != nil {
		return nil, err
	}

	if inst.PointsPaid > 0 {
		if err := s.refundPurchase(ctx, inst); err != nil {
			zap.L().Error("cancel refund failed",
				zap.String("instrument_id", inst.ID),
				zap.Error(err),
			)
			return nil, err
		}
	}

	inst.Status = StatusCancelled
	inst.Version++
	return inst, nil
}

// refundPurchase returns the points paid for a cancelled instrument. Purchases
// that recorded their debit entry are refunded against it so the ledger keeps
// the debit/refund pairing; older rows without one fall back to a plain credit.
func (s *Service) refundPurchase(ctx context.Context, inst *Instrument) error {
	if inst.PurchaseEntryID != "" {
		_, err := s.points.Refund(ctx, ledger.RefundRequest{
			AccountID:      inst.AccountID,
			EntryID:        inst.PurchaseEntryID,
			Amount:         inst.PointsPaid,
			IdempotencyKey: "instrument:" + inst.ID + ":cancel-refund",
			Description:    "cancelled instrument refund",
		})
		return err
	}
	_, err := s.points.Credit(ctx, ledger.CreditRequest{
		AccountID:      inst.AccountID,
		Amount:         inst.PointsPaid,
		IdempotencyKey: "instrument:" + inst.ID + ":cancel-refund",
		Reference:      inst.ID,
		Description:    "cancelled instrument refund",
	})
	return err
}

// ExpireSweep flips every active instrument past its expiry. Rows changed by
// a concurrent writer are skipped and picked up on the next run.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.instruments.Find(ctx, &Instrument{Status: StatusActive},
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.LTE, Value: now}),
	)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, inst := range candidates {
		if err := s.markExpired(ctx, inst); err != nil {
			if !errors.Is(err, errVersionConflict) {
				zap.L().Error("instrument expiry failed",
					zap.String("instrument_id", inst.ID),
					zap.Error(err),
				)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) markExpired(ctx context.Context, inst *Instrument) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Instrument{}).
			Where("id = ? AND version = ? AND status = ?", inst.ID, inst.Version, StatusActive).
			Updates(map[string]any{
				"status":  StatusExpired,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		return s.appendEvent(ctx, tx, inst.ID, EventExpired, map[string]any{
			"remaining": inst.Remaining,
		})
	})
}

func (s *Service) ListByOwner(ctx context.Context, accountID string) ([]*Instrument, error) {
	if accountID == "" {
		return nil, errutil.ValidationFailed("account_id is required")
	}
	return s.instruments.Find(ctx, &Instrument{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
}

func (s *Service) ListRedemptions(ctx context.Context, code string) ([]*Redemption, error) {
	inst, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.redemptions.Find(ctx, &Redemption{InstrumentID: inst.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
}

func (s *Service) ListEvents(ctx context.Context, code string) ([]*Event, error) {
	inst, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.events.Find(ctx, &Event{InstrumentID: inst.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, instrumentID, eventType string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.events.WithTrx(tx).Create(ctx, &Event{
		ID:           s.node.Generate().String(),
		InstrumentID: instrumentID,
		Type:         eventType,
		Data:         raw,
	})
}

func pastExpiry(inst *Instrument, now time.Time) bool {
	return inst.ExpiresAt != nil && !inst.ExpiresAt.After(now)
}

func validateIssue(kind Kind, accountID string, faceValue int64) error {
	switch {
	case kind != KindGiftCertificate && kind != KindRainCheck:
		return errutil.ValidationFailed("kind must be gift_certificate or rain_check")
	case accountID == "":
		return errutil.ValidationFailed("account_id is required")
	case faceValue <= 0:
		return errutil.ValidationFailed("face_value must be positive")
	}
	return nil
}
