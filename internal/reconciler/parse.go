package reconciler

import (
	"sort"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/gateway"
)

// 未入账原因，同时作为指标标签
const (
	skipFailed     = "failed_on_chain"
	skipNotInbound = "not_inbound"
	skipNoSender   = "no_sender"
	skipUnmatched  = "unmatched"
	skipDust       = "dust"
	skipDuplicate  = "duplicate"
)

// Transfer 一笔转入托管地址的代币
type Transfer struct {
	Signature string
	From      string
	Amount    decimal.Decimal
}

type balanceDelta struct {
	owner string
	delta decimal.Decimal
}

// ParseInbound 根据交易前后代币余额计算 mint 转入 custodial 的数量，
// 转出方取同一 mint 余额减少最多的非托管 owner。返回非空 reason 表示不是有效充值。
func ParseInbound(tx *gateway.Transaction, custodial, mint string) (*Transfer, string) {
	deltas := make(map[int]*balanceDelta)
	for _, b := range tx.Pre {
		if b.Mint != mint {
			continue
		}
		deltas[b.AccountIndex] = &balanceDelta{owner: b.Owner, delta: b.Amount.Neg()}
	}
	for _, b := range tx.Post {
		if b.Mint != mint {
			continue
		}
		d, ok := deltas[b.AccountIndex]
		if !ok {
			// 本交易内新建的代币账户，转账前余额为0
			d = &balanceDelta{owner: b.Owner, delta: decimal.Zero}
			deltas[b.AccountIndex] = d
		}
		d.delta = d.delta.Add(b.Amount)
	}

	indexes := make([]int, 0, len(deltas))
	for i := range deltas {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	inbound := decimal.Zero
	var sender *balanceDelta
	for _, i := range indexes {
		d := deltas[i]
		if d.owner == custodial {
			inbound = inbound.Add(d.delta)
			continue
		}
		if d.delta.IsNegative() && (sender == nil || d.delta.LessThan(sender.delta)) {
			sender = d
		}
	}

	if !inbound.IsPositive() {
		return nil, skipNotInbound
	}
	if sender == nil || sender.owner == "" {
		return nil, skipNoSender
	}
	return &Transfer{Signature: tx.Signature, From: sender.owner, Amount: inbound}, ""
}
