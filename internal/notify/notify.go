// Package notify delivers user-facing messages about money movements.
// Delivery is best effort: failures are logged and never reach callers.
package notify

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/models"
)

type Notifier interface {
	DepositCredited(ctx context.Context, acc *models.Account, amount decimal.Decimal, signature string)
	PayoutSent(ctx context.Context, acc *models.Account, amount decimal.Decimal, signature string)
	PayoutFailed(ctx context.Context, acc *models.Account, amount decimal.Decimal, reason string)
	RoomExpired(ctx context.Context, acc *models.Account, room *models.Room)
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) DepositCredited(context.Context, *models.Account, decimal.Decimal, string) {}
func (Nop) PayoutSent(context.Context, *models.Account, decimal.Decimal, string)      {}
func (Nop) PayoutFailed(context.Context, *models.Account, decimal.Decimal, string)    {}
func (Nop) RoomExpired(context.Context, *models.Account, *models.Room)                {}

// Event 一条被记录的通知
type Event struct {
	Kind      string
	AccountID int64
	Amount    decimal.Decimal
	Detail    string
}

// Recorder 记录通知，供测试断言
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) DepositCredited(_ context.Context, acc *models.Account, amount decimal.Decimal, signature string) {
	r.add(Event{Kind: "deposit", AccountID: acc.ID, Amount: amount, Detail: signature})
}

func (r *Recorder) PayoutSent(_ context.Context, acc *models.Account, amount decimal.Decimal, signature string) {
	r.add(Event{Kind: "payout_sent", AccountID: acc.ID, Amount: amount, Detail: signature})
}

func (r *Recorder) PayoutFailed(_ context.Context, acc *models.Account, amount decimal.Decimal, reason string) {
	r.add(Event{Kind: "payout_failed", AccountID: acc.ID, Amount: amount, Detail: reason})
}

func (r *Recorder) RoomExpired(_ context.Context, acc *models.Account, room *models.Room) {
	r.add(Event{Kind: "room_expired", AccountID: acc.ID, Amount: room.Stake, Detail: room.Code})
}

// Events 按 kind 过滤，kind 为空返回全部
func (r *Recorder) Events(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
