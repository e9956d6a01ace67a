package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlatformAccountID 平台佣金账户，由迁移创建
const PlatformAccountID int64 = 1

type Account struct {
	ID               int64           `json:"id"`
	TelegramID       int64           `json:"telegram_id"`
	Username         string          `json:"username"`
	PayoutAddress    *string         `json:"payout_address"`
	Balance          decimal.Decimal `json:"balance"`
	Held             decimal.Decimal `json:"held"`
	TotalGames       int64           `json:"total_games"`
	Wins             int64           `json:"wins"`
	TotalWagered     decimal.Decimal `json:"total_wagered"`
	TotalWon         decimal.Decimal `json:"total_won"`
	IsActive         bool            `json:"is_active"`
	IsSystem         bool            `json:"is_system"`
	AddressUpdatedAt *time.Time      `json:"address_updated_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Available 可用余额 = 余额 - 冻结
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Held)
}

// DisplayName 展示用名称
func (a *Account) DisplayName() string {
	if a.Username != "" {
		return a.Username
	}
	return "Player " + decimal.NewFromInt(a.TelegramID).String()
}

type EntryKind string

const (
	EntryDeposit    EntryKind = "deposit"
	EntryWithdrawal EntryKind = "withdrawal"
	EntryDuelStake  EntryKind = "duel_stake"
	EntryDuelPayout EntryKind = "duel_payout"
	EntryDuelRefund EntryKind = "duel_refund"
	EntryCommission EntryKind = "commission"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// LedgerEntry 账本流水，金额带符号
type LedgerEntry struct {
	ID          string          `json:"id"`
	AccountID   int64           `json:"account_id"`
	Kind        EntryKind       `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      EntryStatus     `json:"status"`
	ExtRef      *string         `json:"ext_ref"`
	DuelID      *string         `json:"duel_id"`
	Address     *string         `json:"address"`
	Description string          `json:"description"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
	SettledAt   *time.Time      `json:"settled_at"`
}

type DuelStatus string

const (
	DuelWaiting   DuelStatus = "waiting"
	DuelActive    DuelStatus = "active"
	DuelFinished  DuelStatus = "finished"
	DuelCancelled DuelStatus = "cancelled"
)

// Side 硬币的一面，正面对应玩家1
type Side string

const (
	Heads Side = "heads"
	Tails Side = "tails"
)

func (s Side) Valid() bool {
	return s == Heads || s == Tails
}

type Duel struct {
	ID         string          `json:"id"`
	Player1ID  int64           `json:"player1_id"`
	Player2ID  *int64          `json:"player2_id"`
	Stake      decimal.Decimal `json:"stake"`
	Status     DuelStatus      `json:"status"`
	Outcome    *Side           `json:"outcome"`
	WinnerID   *int64          `json:"winner_id"`
	Payout     decimal.Decimal `json:"payout"`
	Commission decimal.Decimal `json:"commission"`
	IsHouse    bool            `json:"is_house"`
	HouseName  string          `json:"house_name"`
	RoomCode   *string         `json:"room_code"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at"`
}

// Funders 实际出资的玩家（庄家不计）
func (d *Duel) Funders() []int64 {
	ids := []int64{d.Player1ID}
	if !d.IsHouse && d.Player2ID != nil {
		ids = append(ids, *d.Player2ID)
	}
	return ids
}

type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomFull    RoomStatus = "full"
	RoomExpired RoomStatus = "expired"
	RoomClosed  RoomStatus = "closed"
)

type Room struct {
	Code      string          `json:"code"`
	CreatorID int64           `json:"creator_id"`
	Stake     decimal.Decimal `json:"stake"`
	IsPrivate bool            `json:"is_private"`
	Status    RoomStatus      `json:"status"`
	DuelID    *string         `json:"duel_id"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	ClosedAt  *time.Time      `json:"closed_at"`
}

func (r *Room) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AddressChange 收款地址变更历史
type AddressChange struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	OldAddress *string   `json:"old_address"`
	NewAddress string    `json:"new_address"`
	ChangedAt  time.Time `json:"changed_at"`
}
