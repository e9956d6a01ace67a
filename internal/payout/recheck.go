package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telegram-coinflip/internal/gateway"
	"telegram-coinflip/internal/models"
)

// RecheckResult 一轮核实的结果
type RecheckResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Recheck 核实超过发送超时仍处于冻结状态的出款：
// 链上已确认的完成，执行失败或过期未上链的解冻，其余留待下一轮
func (d *Dispatcher) Recheck(ctx context.Context) (*RecheckResult, error) {
	now := d.now()
	entries, err := d.ledger.PendingEntries(ctx, models.EntryWithdrawal, now.Add(-d.cfg.SendTimeout))
	if err != nil {
		return nil, err
	}

	checker, _ := d.sender.(gateway.StatusChecker)
	result := &RecheckResult{}
	var errs []error
	for _, entry := range entries {
		result.Checked++
		status := gateway.StatusNotFound
		var err error
		if entry.ExtRef != nil {
			if checker == nil {
				result.Pending++
				continue
			}
			if status, err = checker.SignatureStatus(ctx, *entry.ExtRef); err != nil {
				result.Pending++
				errs = append(errs, fmt.Errorf("出款 %s: %w", entry.ID, err))
				continue
			}
		}

		switch status {
		case gateway.StatusConfirmed:
			err = d.settleConfirmed(ctx, entry)
			if err == nil {
				result.Completed++
			}
		case gateway.StatusFailed:
			err = d.settleFailed(ctx, entry, fmt.Sprintf("交易 %s 执行失败", *entry.ExtRef))
			if err == nil {
				result.Failed++
			}
		case gateway.StatusNotFound:
			if now.Sub(entry.CreatedAt) < d.cfg.ExpireAfter {
				result.Pending++
				continue
			}
			reason := "出款中断，未取得链上签名"
			if entry.ExtRef != nil {
				reason = fmt.Sprintf("交易 %s 过期未上链", *entry.ExtRef)
			}
			err = d.settleFailed(ctx, entry, reason)
			if err == nil {
				result.Failed++
			}
		default:
			result.Pending++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("出款 %s: %w", entry.ID, err))
		}
	}

	if result.Checked > 0 {
		d.logger.InfoWithContext("PAYOUT", "🔍 核实待确认出款 %d 笔: 完成 %d，解冻 %d，待定 %d",
			result.Checked, result.Completed, result.Failed, result.Pending)
	}
	return result, errors.Join(errs...)
}

func (d *Dispatcher) settleConfirmed(ctx context.Context, entry *models.LedgerEntry) error {
	if err := d.complete(ctx, entry.ID, ""); err != nil {
		return err
	}
	amount := entry.Amount.Neg()
	d.metrics.PayoutDispatch.WithLabelValues(d.kindOf(entry), "sent").Inc()
	d.logger.InfoWithContext("PAYOUT", "✅ 出款 %s 核实已上链: %s", entry.ID, *entry.ExtRef)
	if acc, err := d.ledger.Account(ctx, entry.AccountID); err == nil {
		d.notifier.PayoutSent(ctx, acc, amount, *entry.ExtRef)
	}
	return nil
}

func (d *Dispatcher) settleFailed(ctx context.Context, entry *models.LedgerEntry, reason string) error {
	if err := d.release(ctx, entry.ID, reason); err != nil {
		return err
	}
	amount := entry.Amount.Neg()
	d.metrics.PayoutDispatch.WithLabelValues(d.kindOf(entry), "failed").Inc()
	d.logger.ErrorWithContext("PAYOUT", "⚠️ 出款 %s 解冻，资金保留在余额: %s", entry.ID, reason)
	if acc, err := d.ledger.Account(ctx, entry.AccountID); err == nil {
		d.notifier.PayoutFailed(ctx, acc, amount, reason)
	}
	return nil
}

func (d *Dispatcher) kindOf(entry *models.LedgerEntry) string {
	if entry.DuelID != nil {
		return string(KindPayout)
	}
	return string(KindWithdrawal)
}

// Run 周期核实，直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Recheck(ctx); err != nil {
				d.logger.ErrorWithContext("PAYOUT", "核实待确认出款失败: %v", err)
			}
		}
	}
}
