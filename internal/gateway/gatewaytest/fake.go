// Package gatewaytest provides an in-memory chain for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/gateway"
)

// Sent 一次成功的出款
type Sent struct {
	To        string
	Amount    decimal.Decimal
	Signature string
}

// Fake 脚本化的链：签名按加入顺序递增，查询时倒序返回
type Fake struct {
	mu sync.Mutex

	sigs []gateway.SignatureInfo // 最旧在前
	txs  map[string]*gateway.Transaction

	// SignaturesErr 非空时 Signatures 返回该错误
	SignaturesErr error
	// TxErr 指定签名的 Transaction 返回错误
	TxErr map[string]error
	// SendErr 非空时 SendToken 返回该错误，同时返回 SendSig（模拟已提交未确认）
	SendErr error
	SendSig string
	// Statuses 指定签名的 SignatureStatus 结果；未指定时已出款的视为已确认
	Statuses  map[string]gateway.SendStatus
	StatusErr error

	Sent             []Sent
	SignatureCalls   int
	TransactionCalls map[string]int
	slot             uint64
}

func NewFake() *Fake {
	return &Fake{
		txs:              make(map[string]*gateway.Transaction),
		TxErr:            make(map[string]error),
		Statuses:         make(map[string]gateway.SendStatus),
		TransactionCalls: make(map[string]int),
	}
}

// AddDeposit 追加一笔 from 向 custodial 转入 amount 个 mint 代币的交易
func (f *Fake) AddDeposit(sig, from, custodial, mint string, amount decimal.Decimal) {
	pre := []gateway.TokenBalance{
		{AccountIndex: 1, Account: from + "-ata", Mint: mint, Owner: from, Amount: amount.Add(decimal.NewFromInt(1000))},
		{AccountIndex: 2, Account: custodial + "-ata", Mint: mint, Owner: custodial, Amount: decimal.NewFromInt(500)},
	}
	post := []gateway.TokenBalance{
		{AccountIndex: 1, Account: from + "-ata", Mint: mint, Owner: from, Amount: decimal.NewFromInt(1000)},
		{AccountIndex: 2, Account: custodial + "-ata", Mint: mint, Owner: custodial, Amount: amount.Add(decimal.NewFromInt(500))},
	}
	f.AddTransaction(&gateway.Transaction{Signature: sig, Pre: pre, Post: post})
}

// AddTransaction 追加任意交易
func (f *Fake) AddTransaction(tx *gateway.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.slot++
	tx.Slot = f.slot
	f.txs[tx.Signature] = tx
	f.sigs = append(f.sigs, gateway.SignatureInfo{Signature: tx.Signature, Slot: f.slot, Failed: tx.Failed})
}

func (f *Fake) Signatures(ctx context.Context, address string, page gateway.Page) ([]gateway.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SignatureCalls++
	if f.SignaturesErr != nil {
		return nil, f.SignaturesErr
	}

	start := len(f.sigs) - 1
	if page.Before != "" {
		start = -1
		for i, s := range f.sigs {
			if s.Signature == page.Before {
				start = i - 1
				break
			}
		}
	}

	var out []gateway.SignatureInfo
	for i := start; i >= 0; i-- {
		if f.sigs[i].Signature == page.Until {
			break
		}
		out = append(out, f.sigs[i])
		if page.Limit > 0 && len(out) == page.Limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) Transaction(ctx context.Context, signature string) (*gateway.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.TransactionCalls[signature]++
	if err := f.TxErr[signature]; err != nil {
		return nil, err
	}
	tx, ok := f.txs[signature]
	if !ok {
		return nil, gateway.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *Fake) SendToken(ctx context.Context, toOwner string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SendErr != nil {
		return f.SendSig, f.SendErr
	}
	sig := fmt.Sprintf("payout-%d", len(f.Sent)+1)
	f.Sent = append(f.Sent, Sent{To: toOwner, Amount: amount, Signature: sig})
	return sig, nil
}

func (f *Fake) SignatureStatus(ctx context.Context, signature string) (gateway.SendStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	if status, ok := f.Statuses[signature]; ok {
		return status, nil
	}
	for _, s := range f.Sent {
		if s.Signature == signature {
			return gateway.StatusConfirmed, nil
		}
	}
	return gateway.StatusNotFound, nil
}

// SetSendResult 并发安全地让后续出款返回 sig 与 err
func (f *Fake) SetSendResult(sig string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendSig, f.SendErr = sig, err
}

// SetStatus 指定签名的链上状态
func (f *Fake) SetStatus(signature string, status gateway.SendStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[signature] = status
}

// SentCount 已成功出款次数
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// SetSendErr 并发安全地切换出款结果
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendSig, f.SendErr = "", err
}

// SetSignaturesErr 并发安全地切换签名查询结果
func (f *Fake) SetSignaturesErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignaturesErr = err
}

// ClearTxErr 清除指定签名的错误
func (f *Fake) ClearTxErr(signature string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.TxErr, signature)
}

var (
	_ gateway.Gateway       = (*Fake)(nil)
	_ gateway.StatusChecker = (*Fake)(nil)
)
