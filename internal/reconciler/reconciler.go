// Package reconciler credits on-chain deposits to the custodial address onto
// internal accounts. Each chain signature is credited at most once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/account"
	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/network"
	"telegram-coinflip/internal/notify"
)

// defaultMaxPages 单次对账向前翻页的默认上限
const defaultMaxPages = 20

// AccountResolver 按付款钱包查找账户，*account.Service 满足该接口
type AccountResolver interface {
	ByPayoutAddress(ctx context.Context, address string) (*models.Account, error)
}

type Config struct {
	Custodial      string
	Mint           string
	MinDeposit     decimal.Decimal
	Interval       time.Duration
	MaxBackoff     time.Duration
	SignatureLimit int
	// MaxPages 单轮最多翻页数，超出的部分下一轮从断点继续
	MaxPages int
}

type Deps struct {
	Chain    gateway.Chain
	Ledger   *ledger.Ledger
	Accounts AccountResolver
	Notifier notify.Notifier
	Logger   *logger.Logger
	Metrics  *monitor.Metrics
	Config   Config
}

// Result ForceCheck 的统计
type Result struct {
	Checked   int `json:"checked"`
	Processed int `json:"processed"`
}

type Reconciler struct {
	chain    gateway.Chain
	ledger   *ledger.Ledger
	accounts AccountResolver
	notifier notify.Notifier
	logger   *logger.Logger
	metrics  *monitor.Metrics
	cfg      Config

	cursor  *Cursor
	backoff *network.Backoff
	// resume 未翻完的积压从该签名之前继续，head 为积压中最新的签名。只在 cycleMu 下访问
	resume string
	head   string
	seeded bool

	// 同一时刻只跑一个对账周期
	cycleMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(deps Deps, cursor *Cursor) *Reconciler {
	cfg := deps.Config
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	if cfg.SignatureLimit <= 0 {
		cfg.SignatureLimit = 10
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cursor == nil {
		cursor = NewCursor(0)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Reconciler{
		chain:    deps.Chain,
		ledger:   deps.Ledger,
		accounts: deps.Accounts,
		notifier: notifier,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cfg:      cfg,
		cursor:   cursor,
		backoff:  network.NewBackoff(cfg.Interval, cfg.MaxBackoff),
		stopCh:   make(chan struct{}),
	}
}

// Run 周期对账直到 ctx 取消或 Stop；连续失败时指数退避
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoWithContext("RECONCILER", "🔍 开始监控托管地址 %s，间隔 %v", r.cfg.Custodial, r.cfg.Interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoWithContext("RECONCILER", "充值监控已停止")
			return nil
		case <-r.stopCh:
			r.logger.InfoWithContext("RECONCILER", "充值监控已停止")
			return nil
		case <-timer.C:
		}

		var wait time.Duration
		if _, err := r.cycle(ctx, nil); err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait = r.backoff.Failure()
			r.logger.ErrorWithContext("RECONCILER", "❌ 对账失败（连续 %d 次），%v 后重试: %v",
				r.backoff.Failures(), wait, err)
		} else {
			wait = r.backoff.Reset()
		}
		timer.Reset(wait)
	}
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ForceCheck 立即执行一次对账；accountID 非空时 Processed 只统计该账户的入账
func (r *Reconciler) ForceCheck(ctx context.Context, accountID *int64) (Result, error) {
	return r.cycle(ctx, accountID)
}

// Cursor 当前对账进度
func (r *Reconciler) Cursor() *Cursor {
	return r.cursor
}

// Failures 连续失败的对账轮数
func (r *Reconciler) Failures() int {
	return r.backoff.Failures()
}

// seed 空游标从账本里最新一笔已入账充值接续，重启后不漏掉停机期间的积压
func (r *Reconciler) seed(ctx context.Context) error {
	if r.seeded || r.cursor.Last() != "" {
		return nil
	}
	last, err := r.ledger.LatestExternalRef(ctx, models.EntryDeposit)
	if err != nil {
		return err
	}
	if last != "" {
		r.cursor.Advance(last)
		r.logger.InfoWithContext("RECONCILER", "从已入账充值 %s 接续对账", last)
	}
	r.seeded = true
	return nil
}

func (r *Reconciler) cycle(ctx context.Context, accountID *int64) (Result, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := time.Now()
	defer monitor.ObserveSince(r.metrics.ReconcileDuration, start)

	if err := r.seed(ctx); err != nil {
		r.metrics.ReconcileCycles.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("读取对账起点失败: %w", err)
	}

	sigs, complete, err := r.fetch(ctx)
	if err != nil {
		r.metrics.ReconcileCycles.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("获取签名失败: %w", err)
	}

	result := Result{Checked: len(sigs)}
	var firstErr error
	advanceTo := ""

	// 从最旧到最新处理
	for i := len(sigs) - 1; i >= 0; i-- {
		info := sigs[i]

		credited, err := r.process(ctx, info)
		if err != nil {
			r.logger.ErrorWithContext("RECONCILER", "处理交易 %s 失败: %v", info.Signature, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if credited != nil && (accountID == nil || *accountID == credited.ID) {
			result.Processed++
		}
		if firstErr == nil {
			advanceTo = info.Signature
		}
	}

	if complete {
		// 积压翻完后直接跳到第一轮见到的最新签名
		if firstErr == nil && r.head != "" {
			advanceTo = r.head
		}
		if advanceTo != "" {
			r.cursor.Advance(advanceTo)
		}
		if firstErr == nil {
			r.resume, r.head = "", ""
		}
	} else if firstErr == nil && len(sigs) > 0 {
		// 积压没翻完：游标不动，下一轮从本轮最旧的签名之前继续
		if r.head == "" {
			r.head = sigs[0].Signature
		}
		r.resume = sigs[len(sigs)-1].Signature
	}

	if firstErr != nil {
		r.metrics.ReconcileCycles.WithLabelValues("partial").Inc()
		return result, firstErr
	}
	r.metrics.ReconcileCycles.WithLabelValues("ok").Inc()
	if result.Checked > 0 {
		r.logger.DebugWithContext("RECONCILER", "对账完成: 检查 %d 笔，入账 %d 笔", result.Checked, result.Processed)
	}
	return result, nil
}

// fetch 取回游标之后的签名（倒序）。游标为空时只取最新一页。
// 翻满 MaxPages 仍未到游标时 complete 为 false，剩余部分由下一轮从 resume 继续
func (r *Reconciler) fetch(ctx context.Context) (sigs []gateway.SignatureInfo, complete bool, err error) {
	until := r.cursor.Last()
	page := gateway.Page{Until: until, Before: r.resume, Limit: r.cfg.SignatureLimit}

	var all []gateway.SignatureInfo
	for n := 0; n < r.cfg.MaxPages; n++ {
		batch, err := r.chain.Signatures(ctx, r.cfg.Custodial, page)
		if err != nil {
			return nil, false, err
		}
		all = append(all, batch...)

		if until == "" || len(batch) < page.Limit {
			return all, true, nil
		}
		page.Before = batch[len(batch)-1].Signature
	}

	r.logger.ErrorWithContext("RECONCILER", "⚠️ 待处理签名超过 %d 页，剩余部分下一轮继续", r.cfg.MaxPages)
	return all, false, nil
}

// process 处理单笔签名。返回被入账的账户；不需要入账时返回 nil, nil。
// 返回错误时签名不标记为已见，下一轮重试。
func (r *Reconciler) process(ctx context.Context, info gateway.SignatureInfo) (*models.Account, error) {
	sig := info.Signature
	if r.cursor.Seen(sig) {
		return nil, nil
	}
	if info.Failed {
		r.skip(sig, skipFailed)
		return nil, nil
	}

	exists, err := r.ledger.HasExternalRef(ctx, sig)
	if err != nil {
		return nil, err
	}
	if exists {
		r.skip(sig, skipDuplicate)
		return nil, nil
	}

	tx, err := r.chain.Transaction(ctx, sig)
	if err != nil {
		return nil, err
	}
	if tx.Failed {
		r.skip(sig, skipFailed)
		return nil, nil
	}

	transfer, reason := ParseInbound(tx, r.cfg.Custodial, r.cfg.Mint)
	if reason != "" {
		r.skip(sig, reason)
		return nil, nil
	}

	acc, err := r.accounts.ByPayoutAddress(ctx, transfer.From)
	if errors.Is(err, account.ErrNotFound) {
		r.logger.InfoWithContext("RECONCILER", "⚠️ 收到未绑定地址 %s 的转账 %s，金额 %s，未入账",
			transfer.From, sig, transfer.Amount)
		r.skip(sig, skipUnmatched)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if transfer.Amount.LessThan(r.cfg.MinDeposit) {
		r.logger.InfoWithContext("RECONCILER", "金额 %s 低于最低充值 %s，忽略 %s", transfer.Amount, r.cfg.MinDeposit, sig)
		r.skip(sig, skipDust)
		return nil, nil
	}

	_, err = r.ledger.Credit(ctx, ledger.Posting{
		AccountID:   acc.ID,
		Amount:      transfer.Amount,
		Kind:        models.EntryDeposit,
		ExtRef:      sig,
		Address:     transfer.From,
		Description: "链上充值",
	})
	if errors.Is(err, ledger.ErrDuplicateExternalRef) {
		r.skip(sig, skipDuplicate)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.cursor.MarkSeen(sig)
	r.metrics.DepositsCredited.Inc()
	r.metrics.DepositVolume.Add(transfer.Amount.InexactFloat64())
	r.logger.LogChainAction("充值入账", fmt.Sprintf("账户 %d 金额 %s 交易 %s", acc.ID, transfer.Amount, sig))

	r.notifier.DepositCredited(ctx, acc, transfer.Amount, sig)
	return acc, nil
}

func (r *Reconciler) skip(signature, reason string) {
	r.cursor.MarkSeen(signature)
	r.metrics.DepositsSkipped.WithLabelValues(reason).Inc()
}
