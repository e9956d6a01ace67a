package matchmaking

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/models"
)

type ticketState int

const (
	ticketWaiting ticketState = iota
	ticketMatched
	ticketWithdrawn
)

// matchOutcome 配对方建局后交给等待方的结果
type matchOutcome struct {
	duel     *models.Duel
	opponent int64
	err      error
}

// Ticket 快速匹配的排队凭证，本金已扣除
type Ticket struct {
	ID         string
	AccountID  int64
	Stake      decimal.Decimal
	EnqueuedAt time.Time

	state  ticketState
	result chan matchOutcome
}

func newTicket(accountID int64, stake decimal.Decimal) *Ticket {
	return &Ticket{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Stake:     stake,
		result:    make(chan matchOutcome, 1),
	}
}

// Queue 按金额分组的先进先出等待队列，仅存在于进程内，重启后为空
type Queue struct {
	mutex   sync.Mutex
	timeout time.Duration
	byStake map[string][]*Ticket
	now     func() time.Time
}

func NewQueue(timeout time.Duration) *Queue {
	return &Queue{
		timeout: timeout,
		byStake: make(map[string][]*Ticket),
		now:     time.Now,
	}
}

func stakeKey(stake decimal.Decimal) string {
	return stake.String()
}

// Enqueue 加入等待，排队时间从此刻算起
func (q *Queue) Enqueue(t *Ticket) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	t.EnqueuedAt = q.now()
	key := stakeKey(t.Stake)
	q.byStake[key] = append(q.byStake[key], t)
}

// Take 取出同金额、其他账户、未超时的最早一张票并标记为已匹配
func (q *Queue) Take(stake decimal.Decimal, exclude int64) *Ticket {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	key := stakeKey(stake)
	tickets := q.byStake[key]
	now := q.now()
	for i, t := range tickets {
		if t.AccountID == exclude || q.expired(t, now) {
			continue
		}
		t.state = ticketMatched
		q.byStake[key] = append(tickets[:i:i], tickets[i+1:]...)
		q.compact(key)
		return t
	}
	return nil
}

// Withdraw 撤回排队（已被 Prune 移除的票同样视为撤回）；
// 返回 false 表示已被配对，调用方须等待配对结果
func (q *Queue) Withdraw(t *Ticket) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	switch t.state {
	case ticketMatched:
		return false
	case ticketWaiting:
		t.state = ticketWithdrawn
		q.remove(t)
	}
	return true
}

// Prune 移除超时的票，不论是否仍有人等待。被移除的票由各自的等待方退款
func (q *Queue) Prune(now time.Time) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	pruned := 0
	for key, tickets := range q.byStake {
		kept := tickets[:0]
		for _, t := range tickets {
			if q.expired(t, now) {
				t.state = ticketWithdrawn
				pruned++
				continue
			}
			kept = append(kept, t)
		}
		q.byStake[key] = kept
		q.compact(key)
	}
	return pruned
}

// Len 当前等待中的票数
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := 0
	for _, tickets := range q.byStake {
		n += len(tickets)
	}
	return n
}

func (q *Queue) expired(t *Ticket, now time.Time) bool {
	return q.timeout > 0 && !now.Before(t.EnqueuedAt.Add(q.timeout))
}

func (q *Queue) remove(t *Ticket) {
	key := stakeKey(t.Stake)
	tickets := q.byStake[key]
	for i, candidate := range tickets {
		if candidate == t {
			q.byStake[key] = append(tickets[:i:i], tickets[i+1:]...)
			break
		}
	}
	q.compact(key)
}

func (q *Queue) compact(key string) {
	if len(q.byStake[key]) == 0 {
		delete(q.byStake, key)
	}
}
