// Package payout moves internal balance to a user's bound wallet. A transfer
// is a pending ledger debit that completes with the chain signature; when the
// send fails the hold is released and the funds stay on the internal balance.
package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/notify"
	"telegram-coinflip/internal/pool"
)

var (
	ErrDispatchFailed  = errors.New("出款失败")
	ErrUnconfirmed     = errors.New("出款已提交但未确认")
	ErrNoPayoutAddress = errors.New("未绑定收款地址")
	ErrAmountTooSmall  = errors.New("出款金额过小")
)

type Kind string

const (
	KindPayout     Kind = "payout"
	KindWithdrawal Kind = "withdrawal"
)

// Request 一次出款请求
type Request struct {
	AccountID int64
	Amount    decimal.Decimal
	Kind      Kind
	DuelID    string
	// Fee 提现手续费，出款成功时记入平台账户
	Fee decimal.Decimal
}

// Receipt 成功出款的凭证
type Receipt struct {
	EntryID   string          `json:"entry_id"`
	Signature string          `json:"signature"`
	Amount    decimal.Decimal `json:"amount"`
}

type Config struct {
	Workers              int
	QueueSize            int
	Decimals             int32
	WithdrawalCommission decimal.Decimal
	SendTimeout          time.Duration
	// RecheckInterval 核实未确认出款的周期
	RecheckInterval time.Duration
	// ExpireAfter 仍查不到交易的出款在创建后多久判定未上链
	ExpireAfter time.Duration
}

type Dispatcher struct {
	sender   gateway.Sender
	ledger   *ledger.Ledger
	notifier notify.Notifier
	logger   *logger.Logger
	metrics  *monitor.Metrics
	cfg      Config
	pool     *pool.WorkerPool
	now      func() time.Time
}

// NewDispatcher sender 为 nil 时所有出款直接失败并保留余额
func NewDispatcher(sender gateway.Sender, l *ledger.Ledger, n notify.Notifier, log *logger.Logger, m *monitor.Metrics, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = time.Minute
	}
	if cfg.ExpireAfter <= cfg.SendTimeout {
		cfg.ExpireAfter = cfg.SendTimeout + 10*time.Minute
	}
	if n == nil {
		n = notify.Nop{}
	}

	d := &Dispatcher{
		sender:   sender,
		ledger:   l,
		notifier: n,
		logger:   log,
		metrics:  m,
		cfg:      cfg,
		pool:     pool.NewWorkerPool(cfg.Workers, cfg.QueueSize),
		now:      func() time.Time { return time.Now().UTC() },
	}
	d.pool.OnError(func(err error) {
		d.logger.ErrorWithContext("PAYOUT", "异步出款失败: %v", err)
	})
	return d
}

func (d *Dispatcher) Start() {
	d.pool.Start()
	d.logger.InfoWithContext("PAYOUT", "✅ 出款工作池已启动，%d 个工作者", d.cfg.Workers)
}

// Stop 等待已入队的出款完成
func (d *Dispatcher) Stop() {
	d.pool.Stop(d.cfg.SendTimeout)
	d.logger.InfoWithContext("PAYOUT", "出款工作池已停止")
}

// Submit 异步出款；返回错误表示未入队，资金仍在内部余额
func (d *Dispatcher) Submit(req Request) error {
	err := d.pool.Submit(pool.JobFunc(func(ctx context.Context) error {
		_, err := d.Dispatch(ctx, req)
		return err
	}))
	if err != nil {
		d.metrics.PayoutDispatch.WithLabelValues(string(req.Kind), "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return nil
}

// feeRef 提现手续费冻结流水的外部引用，指向对应的出款流水
func feeRef(entryID string) string {
	return "fee:" + entryID
}

// Dispatch 同步执行一次出款：冻结 -> 链上转账 -> 完成或解冻
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Receipt, error) {
	amount := req.Amount.RoundDown(d.cfg.Decimals)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrAmountTooSmall, req.Amount)
	}

	acc, err := d.ledger.Account(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	address := ""
	if acc.PayoutAddress != nil {
		address = *acc.PayoutAddress
	}

	entryID, err := d.hold(ctx, acc.ID, amount, req, address)
	if err != nil {
		return nil, err
	}

	if address == "" {
		return nil, d.fail(ctx, acc, req.Kind, entryID, amount, ErrNoPayoutAddress.Error())
	}
	if d.sender == nil {
		return nil, d.fail(ctx, acc, req.Kind, entryID, amount, gateway.ErrSendDisabled.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	signature, err := d.sender.SendToken(sendCtx, address, amount)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrExecutionFailed):
		return nil, d.fail(ctx, acc, req.Kind, entryID, amount, fmt.Sprintf("交易 %s 执行失败: %v", signature, err))
	case signature != "":
		// 交易可能已上链：记下签名保持冻结，由 Recheck 按链上结果完成或解冻
		if aerr := d.ledger.Attach(ctx, entryID, signature); aerr != nil {
			d.logger.ErrorWithContext("PAYOUT", "❌ 出款 %s 记录签名 %s 失败: %v", entryID, signature, aerr)
		}
		reason := fmt.Sprintf("交易 %s 未确认: %v", signature, err)
		d.metrics.PayoutDispatch.WithLabelValues(string(req.Kind), "unconfirmed").Inc()
		d.logger.ErrorWithContext("PAYOUT", "⚠️ 账户 %d 出款 %s 待核实: %s", acc.ID, entryID, reason)
		return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, reason)
	default:
		return nil, d.fail(ctx, acc, req.Kind, entryID, amount, err.Error())
	}

	if err := d.complete(ctx, entryID, signature); err != nil {
		// 链上已转出，账本未能完成；签名已知时 Recheck 会重试
		d.logger.ErrorWithContext("PAYOUT", "❌ 出款 %s 已上链 %s 但账本完成失败: %v", entryID, signature, err)
		if aerr := d.ledger.Attach(ctx, entryID, signature); aerr != nil {
			d.logger.ErrorWithContext("PAYOUT", "❌ 出款 %s 记录签名 %s 失败: %v", entryID, signature, aerr)
		}
		return nil, err
	}

	d.metrics.PayoutDispatch.WithLabelValues(string(req.Kind), "sent").Inc()
	d.logger.InfoWithContext("PAYOUT", "✅ 账户 %d 出款 %s 成功: %s", acc.ID, amount, signature)
	d.notifier.PayoutSent(ctx, acc, amount, signature)
	return &Receipt{EntryID: entryID, Signature: signature, Amount: amount}, nil
}

// hold 冻结出款金额；提现手续费作为第二笔冻结，与出款同进同退
func (d *Dispatcher) hold(ctx context.Context, accountID int64, amount decimal.Decimal, req Request, address string) (string, error) {
	var entryID string
	err := d.ledger.DB().WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		entryID, err = d.ledger.DebitTx(ctx, tx, ledger.Posting{
			AccountID:   accountID,
			Amount:      amount,
			Kind:        models.EntryWithdrawal,
			DuelID:      req.DuelID,
			Address:     address,
			Description: d.describe(req.Kind),
			Pending:     true,
		})
		if err != nil || !req.Fee.IsPositive() {
			return err
		}
		_, err = d.ledger.DebitTx(ctx, tx, ledger.Posting{
			AccountID:   accountID,
			Amount:      req.Fee,
			Kind:        models.EntryCommission,
			ExtRef:      feeRef(entryID),
			Description: "提现手续费",
			Pending:     true,
		})
		return err
	})
	return entryID, err
}

// complete 出款流水完成；有手续费冻结时一并扣除并记入平台账户
func (d *Dispatcher) complete(ctx context.Context, entryID, signature string) error {
	return d.ledger.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.ledger.CompleteTx(ctx, tx, entryID, signature); err != nil {
			return err
		}
		fee, err := d.feeEntry(ctx, tx, entryID)
		if err != nil || fee == nil {
			return err
		}
		if err := d.ledger.CompleteTx(ctx, tx, fee.ID, ""); err != nil {
			return err
		}
		_, err = d.ledger.CreditTx(ctx, tx, ledger.Posting{
			AccountID:   models.PlatformAccountID,
			Amount:      fee.Amount.Neg(),
			Kind:        models.EntryCommission,
			Description: "提现手续费",
		})
		return err
	})
}

// release 出款流水失败并解冻；手续费冻结一并退回
func (d *Dispatcher) release(ctx context.Context, entryID, reason string) error {
	return d.ledger.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.ledger.FailTx(ctx, tx, entryID, reason); err != nil {
			return err
		}
		fee, err := d.feeEntry(ctx, tx, entryID)
		if err != nil || fee == nil {
			return err
		}
		return d.ledger.FailTx(ctx, tx, fee.ID, reason)
	})
}

func (d *Dispatcher) feeEntry(ctx context.Context, tx *sql.Tx, entryID string) (*models.LedgerEntry, error) {
	fee, err := d.ledger.DB().GetEntryByExtRef(ctx, tx, feeRef(entryID))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return fee, err
}

// fail 解冻并通知，余额保持不变
func (d *Dispatcher) fail(ctx context.Context, acc *models.Account, kind Kind, entryID string, amount decimal.Decimal, reason string) error {
	if err := d.release(ctx, entryID, reason); err != nil {
		d.logger.ErrorWithContext("PAYOUT", "❌ 出款 %s 解冻失败: %v", entryID, err)
	}
	d.metrics.PayoutDispatch.WithLabelValues(string(kind), "failed").Inc()
	d.logger.ErrorWithContext("PAYOUT", "⚠️ 账户 %d 出款 %s 失败，资金保留在余额: %s", acc.ID, amount, reason)
	d.notifier.PayoutFailed(ctx, acc, amount, reason)
	return fmt.Errorf("%w: %s", ErrDispatchFailed, reason)
}

func (d *Dispatcher) describe(kind Kind) string {
	if kind == KindPayout {
		return "对局奖金出款"
	}
	return "用户提现"
}

// WithdrawResult 提现结果
type WithdrawResult struct {
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Net       decimal.Decimal `json:"net"`
	Signature string          `json:"signature"`
	EntryID   string          `json:"entry_id"`
}

// Withdraw 同步提现：净额出款与手续费一起冻结，出款成功才收取手续费
func (d *Dispatcher) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal) (*WithdrawResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, amount)
	}
	acc, err := d.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.PayoutAddress == nil || *acc.PayoutAddress == "" {
		return nil, ErrNoPayoutAddress
	}
	if acc.Available().LessThan(amount) {
		return nil, fmt.Errorf("%w: 当前可用 %s，需要 %s", ledger.ErrInsufficientFunds, acc.Available(), amount)
	}

	fee := amount.Mul(d.cfg.WithdrawalCommission).RoundUp(d.cfg.Decimals)
	net := amount.Sub(fee).RoundDown(d.cfg.Decimals)
	if !net.IsPositive() {
		return nil, fmt.Errorf("%w: 扣除手续费后为 %s", ErrAmountTooSmall, net)
	}

	receipt, err := d.Dispatch(ctx, Request{AccountID: accountID, Amount: net, Fee: fee, Kind: KindWithdrawal})
	if err != nil {
		return nil, err
	}

	return &WithdrawResult{
		Amount:    amount,
		Fee:       fee,
		Net:       receipt.Amount,
		Signature: receipt.Signature,
		EntryID:   receipt.EntryID,
	}, nil
}
