package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/models"
)

// AuditReport 余额与流水的对账结果
type AuditReport struct {
	AccountID     int64           `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	Held          decimal.Decimal `json:"held"`
	CompletedSum  decimal.Decimal `json:"completed_sum"`
	PendingDebits decimal.Decimal `json:"pending_debits"`
	Entries       int             `json:"entries"`
	Consistent    bool            `json:"consistent"`
}

// Audit 校验 余额 == 已完成流水之和，冻结 == 待处理出账之和
func (l *Ledger) Audit(ctx context.Context, accountID int64) (*AuditReport, error) {
	acc, err := l.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := l.db.ListEntries(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		AccountID:     accountID,
		Balance:       acc.Balance,
		Held:          acc.Held,
		CompletedSum:  decimal.Zero,
		PendingDebits: decimal.Zero,
		Entries:       len(entries),
	}
	for _, e := range entries {
		switch {
		case e.Status == models.EntryCompleted:
			report.CompletedSum = report.CompletedSum.Add(e.Amount)
		case e.Status == models.EntryPending && e.Amount.IsNegative():
			report.PendingDebits = report.PendingDebits.Sub(e.Amount)
		}
	}
	report.Consistent = report.CompletedSum.Equal(acc.Balance) && report.PendingDebits.Equal(acc.Held)

	if !report.Consistent {
		l.logger.ErrorWithContext("LEDGER", "❌ 账户 %d 对账不一致: 余额 %s 流水 %s 冻结 %s 待出 %s",
			accountID, acc.Balance, report.CompletedSum, acc.Held, report.PendingDebits)
	}
	return report, nil
}
