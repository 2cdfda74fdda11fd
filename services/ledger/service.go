package ledger

import (
	"context"
	"errors"
	"time"

	"charter-loyalty/pkg/config"
	"charter-loyalty/pkg/db/option"
	"charter-loyalty/pkg/errutil"
	"charter-loyalty/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxAttempts = 4

// Internal retry signals. Never returned to callers.
var (
	errVersionConflict = errors.New("account version conflict")
	errIdemRace        = errors.New("idempotency key race")
)

func ErrInsufficientBalance(accountID string) error {
	return errutil.PaymentRequired("insufficient balance",
		errutil.WithDetails(errutil.Detail{Field: "account_id", Message: accountID}))
}

func ErrAccountNotFound(accountID string) error {
	return errutil.NotFound("account not found",
		errutil.WithDetails(errutil.Detail{Field: "account_id", Message: accountID}))
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	accounts    repository.Repository[Account]
	entries     repository.Repository[Entry]
	lots        repository.Repository[CreditLot]
	maxAttempts int
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Accounts repository.Repository[Account]
	Entries  repository.Repository[Entry]
	Lots     repository.Repository[CreditLot]
}

func NewService(p ServiceParams) *Service {
	maxAttempts := p.Config.Ledger.DebitMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		accounts:    p.Accounts,
		entries:     p.Entries,
		lots:        p.Lots,
		maxAttempts: maxAttempts,
	}
}

// Credit appends a credit entry and raises the materialized balance. Replays
// with the same idempotency key return the committed entry unchanged. The key
// may be omitted; a keyless credit applies every time it is called.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*Entry, error) {
	if err := validateMutation(req.AccountID, req.Amount); err != nil {
		return nil, err
	}
	return s.applyCredit(ctx, KindCredit, req.AccountID, req.Amount, req.IdempotencyKey, req.Reference, req.Description, req.ExpiresAt)
}

// Debit spends points under the optimistic version guard. Contention retries
// up to the configured attempt budget before surfacing a conflict.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*Entry, error) {
	if err := validateMutation(req.AccountID, req.Amount); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, errutil.ValidationFailed("idempotency_key is required")
	}

	if existing, err := s.findByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey); existing != nil || err != nil {
		return existing, err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		entry, err := s.tryDebit(ctx, req)
		switch {
		case errors.Is(err, errVersionConflict):
			zap.L().Debug("debit version conflict, retrying",
				zap.String("account_id", req.AccountID),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, errIdemRace):
			return s.findByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
		case err != nil:
			return nil, err
		default:
			return entry, nil
		}
	}
	return nil, errutil.Conflict("account busy, retry the debit",
		errutil.WithDetails(errutil.Detail{Field: "account_id", Message: req.AccountID}))
}

func (s *Service) tryDebit(ctx context.Context, req DebitRequest) (*Entry, error) {
	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: req.AccountID})
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound(req.AccountID)
		}
		if acct.Balance < req.Amount {
			return ErrInsufficientBalance(req.AccountID)
		}

		res := tx.Model(&Account{}).
			Where("id = ? AND version = ? AND balance >= ?", acct.ID, acct.Version, req.Amount).
			Updates(map[string]any{
				"balance": gorm.Expr("balance - ?", req.Amount),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		if err := s.consumeLots(ctx, tx, req.AccountID, req.Amount); err != nil {
			return err
		}

		entry, err = s.appendEntry(ctx, tx, &Entry{
			AccountID:      req.AccountID,
			Kind:           KindDebit,
			Amount:         req.Amount,
			BalanceAfter:   acct.Balance - req.Amount,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      req.Reference,
			Description:    req.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// consumeLots draws down unspent credit lots oldest first. A concurrent
// writer on the same lot trips the remaining guard and restarts the debit.
func (s *Service) consumeLots(ctx context.Context, tx *gorm.DB, accountID string, amount int64) error {
	open, err := s.lots.WithTrx(tx).Find(ctx, &CreditLot{AccountID: accountID},
		option.ApplyOperator(option.Condition{Field: "remaining", Operator: option.GT, Value: 0}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return err
	}

	left := amount
	for _, lot := range open {
		if left == 0 {
			break
		}
		take := lot.Remaining
		if take > left {
			take = left
		}
		res := tx.Model(&CreditLot{}).
			Where("id = ? AND remaining = ?", lot.ID, lot.Remaining).
			Update("remaining", lot.Remaining-take)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		left -= take
	}
	return nil
}

// Refund reverses part of a prior debit as a compensating credit. The sum of
// refunds against one debit never exceeds the debited amount.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*Entry, error) {
	if err := validateMutation(req.AccountID, req.Amount); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, errutil.ValidationFailed("idempotency_key is required")
	}
	if req.EntryID == "" {
		return nil, errutil.ValidationFailed("entry_id is required")
	}

	if existing, err := s.findByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey); existing != nil || err != nil {
		return existing, err
	}

	original, err := s.entries.FindOne(ctx, &Entry{ID: req.EntryID})
	if err != nil {
		return nil, err
	}
	if original == nil || original.AccountID != req.AccountID {
		return nil, errutil.NotFound("debit entry not found",
			errutil.WithDetails(errutil.Detail{Field: "entry_id", Message: req.EntryID}))
	}
	if original.Kind != KindDebit {
		return nil, errutil.UnprocessableEntity("only debit entries can be refunded")
	}

	refunds, err := s.entries.Find(ctx, &Entry{AccountID: req.AccountID, Kind: KindRefund, Reference: req.EntryID})
	if err != nil {
		return nil, err
	}
	var refunded int64
	for _, r := range refunds {
		refunded += r.Amount
	}
	if req.Amount > original.Amount-refunded {
		return nil, errutil.UnprocessableEntity("refund exceeds refundable amount",
			errutil.WithDetails(errutil.Detail{Field: "entry_id", Message: req.EntryID}))
	}

	return s.applyCredit(ctx, KindRefund, req.AccountID, req.Amount, req.IdempotencyKey, req.EntryID, req.Description, nil)
}

func (s *Service) applyCredit(ctx context.Context, kind EntryKind, accountID string, amount int64, idemKey, reference, description string, expiresAt *time.Time) (*Entry, error) {
	if existing, err := s.findByIdempotencyKey(ctx, accountID, idemKey); existing != nil || err != nil {
		return existing, err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		entry, err := s.tryApplyCredit(ctx, kind, accountID, amount, idemKey, reference, description, expiresAt)
		switch {
		case errors.Is(err, errVersionConflict):
			continue
		case errors.Is(err, errIdemRace):
			return s.findByIdempotencyKey(ctx, accountID, idemKey)
		case err != nil:
			return nil, err
		default:
			return entry, nil
		}
	}
	return nil, errutil.Conflict("account busy, retry the credit",
		errutil.WithDetails(errutil.Detail{Field: "account_id", Message: accountID}))
}

func (s *Service) tryApplyCredit(ctx context.Context, kind EntryKind, accountID string, amount int64, idemKey, reference, description string, expiresAt *time.Time) (*Entry, error) {
	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.ensureAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		res := tx.Model(&Account{}).
			Where("id = ? AND version = ?", acct.ID, acct.Version).
			Updates(map[string]any{
				"balance": gorm.Expr("balance + ?", amount),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		entry, err = s.appendEntry(ctx, tx, &Entry{
			AccountID:      accountID,
			Kind:           kind,
			Amount:         amount,
			BalanceAfter:   acct.Balance + amount,
			IdempotencyKey: idemKey,
			Reference:      reference,
			Description:    description,
		})
		if err != nil {
			return err
		}

		return s.lots.WithTrx(tx).Create(ctx, &CreditLot{
			ID:        s.node.Generate().String(),
			AccountID: accountID,
			EntryID:   entry.ID,
			Amount:    amount,
			Remaining: amount,
			ExpiresAt: expiresAt,
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// appendEntry links the new entry to the tail of the account chain and
// persists it. Must run after the caller has won the version guard, which
// serializes appends per account.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, e *Entry) (*Entry, error) {
	last, err := s.entries.WithTrx(tx).FindOne(ctx, &Entry{AccountID: e.AccountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, err
	}
	if last != nil {
		e.PreviousHash = last.Hash
	}

	e.ID = s.node.Generate().String()
	// Microsecond precision: postgres stores timestamps at microseconds, and
	// the hash must survive a round trip through storage.
	e.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	e.Hash = GenerateHash(e)

	if err := s.entries.WithTrx(tx).Create(ctx, e); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errIdemRace
		}
		return nil, err
	}
	return e, nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, accountID string) (*Account, error) {
	acct, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}

	acct = &Account{ID: accountID}
	if err := s.accounts.WithTrx(tx).Create(ctx, acct); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: accountID})
		}
		return nil, err
	}
	return acct, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, accountID, key string) (*Entry, error) {
	if key == "" {
		return nil, nil
	}
	return s.entries.FindOne(ctx, &Entry{AccountID: accountID, IdempotencyKey: key})
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (*Account, error) {
	acct, err := s.accounts.FindOne(ctx, &Account{ID: accountID})
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrAccountNotFound(accountID)
	}
	return acct, nil
}

func (s *Service) ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.entries.Find(ctx, &Entry{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(limit),
	)
}

// VerifyChain walks the account history in append order and checks both the
// predecessor links and each entry's own hash.
func (s *Service) VerifyChain(ctx context.Context, accountID string) (*ChainReport, error) {
	entries, err := s.entries.Find(ctx, &Entry{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{AccountID: accountID, Entries: len(entries), Valid: true}
	prev := ""
	for _, e := range entries {
		if e.PreviousHash != prev {
			report.Valid = false
			report.BrokenAt = e.ID
			report.Reason = "previous hash mismatch"
			return report, nil
		}
		if GenerateHash(e) != e.Hash {
			report.Valid = false
			report.BrokenAt = e.ID
			report.Reason = "entry hash mismatch"
			return report, nil
		}
		prev = e.Hash
	}
	return report, nil
}

// Replay recomputes the balance from the entry stream and compares it with
// the materialized account row.
func (s *Service) Replay(ctx context.Context, accountID string) (*ReplayReport, error) {
	acct, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.entries.Find(ctx, &Entry{AccountID: accountID})
	if err != nil {
		return nil, err
	}

	var computed int64
	for _, e := range entries {
		switch e.Kind {
		case KindCredit, KindRefund:
			computed += e.Amount
		case KindDebit, KindExpired:
			computed -= e.Amount
		}
	}
	return &ReplayReport{
		AccountID:       accountID,
		Entries:         len(entries),
		ComputedBalance: computed,
		StoredBalance:   acct.Balance,
		Consistent:      computed == acct.Balance,
	}, nil
}

// ExpireLots reclaims the unspent remainder of every lot past its expiry and
// books a compensating expired entry per lot. Safe to run repeatedly.
func (s *Service) ExpireLots(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.lots.Find(ctx, &CreditLot{},
		option.ApplyOperator(option.Condition{Field: "remaining", Operator: option.GT, Value: 0}),
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.LTE, Value: now}),
	)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, lot := range candidates {
		if err := s.expireLot(ctx, lot.ID); err != nil {
			zap.L().Error("lot expiry failed",
				zap.String("lot_id", lot.ID),
				zap.String("account_id", lot.AccountID),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireLot(ctx context.Context, lotID string) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.tryExpireLot(ctx, lotID)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if errors.Is(err, errIdemRace) {
			return nil
		}
		return err
	}
	return errutil.Conflict("lot busy, expiry will retry on the next sweep",
		errutil.WithDetails(errutil.Detail{Field: "lot_id", Message: lotID}))
}

func (s *Service) tryExpireLot(ctx context.Context, lotID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lot, err := s.lots.WithTrx(tx).FindOne(ctx, &CreditLot{ID: lotID})
		if err != nil {
			return err
		}
		if lot == nil || lot.Remaining == 0 {
			return nil
		}

		acct, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: lot.AccountID})
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound(lot.AccountID)
		}

		res := tx.Model(&Account{}).
			Where("id = ? AND version = ? AND balance >= ?", acct.ID, acct.Version, lot.Remaining).
			Updates(map[string]any{
				"balance": gorm.Expr("balance - ?", lot.Remaining),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		res = tx.Model(&CreditLot{}).
			Where("id = ? AND remaining = ?", lot.ID, lot.Remaining).
			Update("remaining", 0)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		_, err = s.appendEntry(ctx, tx, &Entry{
			AccountID:      lot.AccountID,
			Kind:           KindExpired,
			Amount:         lot.Remaining,
			BalanceAfter:   acct.Balance - lot.Remaining,
			IdempotencyKey: "lot:" + lot.ID + ":expired",
			Reference:      lot.ID,
			Description:    "credit lot expired",
		})
		return err
	})
}

func validateMutation(accountID string, amount int64) error {
	switch {
	case accountID == "":
		return errutil.ValidationFailed("account_id is required")
	case amount <= 0:
		return errutil.ValidationFailed("amount must be positive")
	}
	return nil
}
