// Package ledger is the only place balances change. Every movement is one
// entry plus one balance update inside a single database transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/monitor"
)

var (
	ErrInsufficientFunds    = errors.New("余额不足")
	ErrDuplicateExternalRef = errors.New("链上引用已入账")
	ErrAccountNotFound      = errors.New("账户不存在")
	ErrEntryNotPending      = errors.New("流水已处于终态")
	ErrInvalidAmount        = errors.New("金额必须大于0")
)

// Posting 一笔资金变动请求，Amount 始终为正数，方向由 Credit/Debit 决定
type Posting struct {
	AccountID   int64
	Amount      decimal.Decimal
	Kind        models.EntryKind
	ExtRef      string
	DuelID      string
	Address     string
	Description string
	// Pending 的出账先冻结，Complete 时才扣减余额；入账在 Complete 时才生效
	Pending bool
}

type Ledger struct {
	db      *database.DB
	logger  *logger.Logger
	metrics *monitor.Metrics
	now     func() time.Time
}

func New(db *database.DB, log *logger.Logger, metrics *monitor.Metrics) *Ledger {
	return &Ledger{
		db:      db,
		logger:  log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB 供需要把账本变动与其他状态迁移放在同一事务里的调用方使用
func (l *Ledger) DB() *database.DB {
	return l.db
}

func (l *Ledger) Credit(ctx context.Context, p Posting) (string, error) {
	var id string
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = l.CreditTx(ctx, tx, p)
		return err
	})
	return id, err
}

func (l *Ledger) Debit(ctx context.Context, p Posting) (string, error) {
	var id string
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = l.DebitTx(ctx, tx, p)
		return err
	})
	return id, err
}

// CreditTx 在调用方事务内入账
func (l *Ledger) CreditTx(ctx context.Context, tx *sql.Tx, p Posting) (string, error) {
	acc, err := l.prepare(ctx, tx, p)
	if err != nil {
		return "", err
	}

	entry := l.newEntry(p, p.Amount)
	if err := l.insert(ctx, tx, entry); err != nil {
		return "", err
	}

	if !p.Pending {
		if err := l.db.UpdateBalanceTx(ctx, tx, acc.ID, acc.Balance.Add(p.Amount), acc.Held); err != nil {
			return "", fmt.Errorf("更新余额失败: %w", err)
		}
	}

	l.metrics.LedgerPostings.WithLabelValues(string(p.Kind), string(entry.Status)).Inc()
	l.logger.LogLedgerAction(acc.ID, string(p.Kind), p.Amount, entry.ID)
	return entry.ID, nil
}

// DebitTx 在调用方事务内出账；可用余额不足时不产生任何变动
func (l *Ledger) DebitTx(ctx context.Context, tx *sql.Tx, p Posting) (string, error) {
	acc, err := l.prepare(ctx, tx, p)
	if err != nil {
		return "", err
	}

	available := acc.Available()
	if available.LessThan(p.Amount) {
		return "", fmt.Errorf("%w: 当前可用 %s，需要 %s", ErrInsufficientFunds, available, p.Amount)
	}

	entry := l.newEntry(p, p.Amount.Neg())
	if err := l.insert(ctx, tx, entry); err != nil {
		return "", err
	}

	balance, held := acc.Balance, acc.Held
	if p.Pending {
		held = held.Add(p.Amount)
	} else {
		balance = balance.Sub(p.Amount)
	}
	if err := l.db.UpdateBalanceTx(ctx, tx, acc.ID, balance, held); err != nil {
		return "", fmt.Errorf("更新余额失败: %w", err)
	}

	l.metrics.LedgerPostings.WithLabelValues(string(p.Kind), string(entry.Status)).Inc()
	l.logger.LogLedgerAction(acc.ID, string(p.Kind), entry.Amount, entry.ID)
	return entry.ID, nil
}

// Complete 待处理流水生效；extRef 为出款的链上签名，可为空
func (l *Ledger) Complete(ctx context.Context, entryID, extRef string) error {
	var ref *string
	if extRef != "" {
		ref = &extRef
	}
	return l.settle(ctx, entryID, models.EntryCompleted, ref, "")
}

// Fail 待处理流水失败：冻结的出账金额回到可用余额
func (l *Ledger) Fail(ctx context.Context, entryID, reason string) error {
	if reason == "" {
		reason = "未知原因"
	}
	return l.settle(ctx, entryID, models.EntryFailed, nil, reason)
}

// Cancel 与 Fail 的资金效果相同，用于主动撤销
func (l *Ledger) Cancel(ctx context.Context, entryID, reason string) error {
	return l.settle(ctx, entryID, models.EntryCancelled, nil, reason)
}

func (l *Ledger) settle(ctx context.Context, entryID string, status models.EntryStatus, extRef *string, reason string) error {
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		return l.settleTx(ctx, tx, entryID, status, extRef, reason)
	})
	if err != nil {
		return err
	}

	if status == models.EntryCompleted {
		l.logger.InfoWithContext("LEDGER", "✅ 流水 %s 已完成", entryID)
	} else {
		l.logger.InfoWithContext("LEDGER", "⚠️ 流水 %s 标记为 %s: %s", entryID, status, reason)
	}
	return nil
}

// CompleteTx 在调用方事务内完成待处理流水
func (l *Ledger) CompleteTx(ctx context.Context, tx *sql.Tx, entryID, extRef string) error {
	var ref *string
	if extRef != "" {
		ref = &extRef
	}
	return l.settleTx(ctx, tx, entryID, models.EntryCompleted, ref, "")
}

// FailTx 在调用方事务内标记待处理流水失败
func (l *Ledger) FailTx(ctx context.Context, tx *sql.Tx, entryID, reason string) error {
	if reason == "" {
		reason = "未知原因"
	}
	return l.settleTx(ctx, tx, entryID, models.EntryFailed, nil, reason)
}

func (l *Ledger) settleTx(ctx context.Context, tx *sql.Tx, entryID string, status models.EntryStatus, extRef *string, reason string) error {
	entry, err := l.db.GetEntry(ctx, tx, entryID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("流水 %s 不存在: %w", entryID, err)
	}
	if err != nil {
		return err
	}
	if entry.Status != models.EntryPending {
		return fmt.Errorf("%w: %s 当前状态 %s", ErrEntryNotPending, entryID, entry.Status)
	}

	acc, err := l.db.GetAccount(ctx, tx, entry.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, entry.AccountID)
	}

	err = l.db.SettlePendingEntryTx(ctx, tx, entryID, status, extRef, reason, l.now())
	switch {
	case errors.Is(err, database.ErrConcurrencyConflict):
		return ErrEntryNotPending
	case database.IsUniqueViolation(err):
		return ErrDuplicateExternalRef
	case err != nil:
		return err
	}

	balance, held := acc.Balance, acc.Held
	if entry.Amount.IsNegative() {
		// 出账：解冻，成功时真正扣减
		held = held.Add(entry.Amount)
		if status == models.EntryCompleted {
			balance = balance.Add(entry.Amount)
		}
	} else if status == models.EntryCompleted {
		balance = balance.Add(entry.Amount)
	}
	if err := l.db.UpdateBalanceTx(ctx, tx, acc.ID, balance, held); err != nil {
		return fmt.Errorf("更新余额失败: %w", err)
	}

	l.metrics.LedgerPostings.WithLabelValues(string(entry.Kind), string(status)).Inc()
	return nil
}

// Attach 记下待处理流水的链上签名，结算前即可用于去重与核实
func (l *Ledger) Attach(ctx context.Context, entryID, extRef string) error {
	err := l.db.AttachExternalRef(ctx, entryID, extRef)
	switch {
	case errors.Is(err, database.ErrConcurrencyConflict):
		return fmt.Errorf("%w: %s", ErrEntryNotPending, entryID)
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrDuplicateExternalRef, extRef)
	}
	return err
}

// PendingEntries 创建早于 before 的待处理流水
func (l *Ledger) PendingEntries(ctx context.Context, kind models.EntryKind, before time.Time) ([]*models.LedgerEntry, error) {
	return l.db.ListPendingEntries(ctx, kind, before)
}

// LatestExternalRef 最近一笔已完成的 kind 流水的链上引用
func (l *Ledger) LatestExternalRef(ctx context.Context, kind models.EntryKind) (string, error) {
	return l.db.LatestExternalRef(ctx, kind)
}

// Balance 已结算余额（不含待处理流水）
func (l *Ledger) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	acc, err := l.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (l *Ledger) Account(ctx context.Context, accountID int64) (*models.Account, error) {
	acc, err := l.db.GetAccount(ctx, l.db.Conn(), accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return acc, err
}

func (l *Ledger) HasExternalRef(ctx context.Context, ref string) (bool, error) {
	return l.db.ExternalRefExists(ctx, l.db.Conn(), ref)
}

func (l *Ledger) Entries(ctx context.Context, accountID int64, limit int) ([]*models.LedgerEntry, error) {
	return l.db.ListEntries(ctx, accountID, limit)
}

func (l *Ledger) Entry(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	return l.db.GetEntry(ctx, l.db.Conn(), entryID)
}

func (l *Ledger) prepare(ctx context.Context, tx *sql.Tx, p Posting) (*models.Account, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}

	acc, err := l.db.GetAccount(ctx, tx, p.AccountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, p.AccountID)
	}
	if err != nil {
		return nil, err
	}

	if p.ExtRef != "" {
		exists, err := l.db.ExternalRefExists(ctx, tx, p.ExtRef)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExternalRef, p.ExtRef)
		}
	}
	return acc, nil
}

func (l *Ledger) newEntry(p Posting, signed decimal.Decimal) *models.LedgerEntry {
	now := l.now()
	entry := &models.LedgerEntry{
		ID:          uuid.NewString(),
		AccountID:   p.AccountID,
		Kind:        p.Kind,
		Amount:      signed,
		Status:      models.EntryCompleted,
		Description: p.Description,
		CreatedAt:   now,
	}
	if p.Pending {
		entry.Status = models.EntryPending
	} else {
		entry.SettledAt = &now
	}
	if p.ExtRef != "" {
		ref := p.ExtRef
		entry.ExtRef = &ref
	}
	if p.DuelID != "" {
		duelID := p.DuelID
		entry.DuelID = &duelID
	}
	if p.Address != "" {
		address := p.Address
		entry.Address = &address
	}
	return entry
}

func (l *Ledger) insert(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	err := l.db.InsertEntryTx(ctx, tx, entry)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateExternalRef, err)
	}
	return err
}
