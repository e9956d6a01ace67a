// Package matchmaking pairs accounts into duels. Stakes are escrowed through
// the ledger before a duel or room exists, and any failure after the escrow
// debit credits the stake back before the error reaches the caller.
package matchmaking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/notify"
	"telegram-coinflip/internal/utils"
	"telegram-coinflip/internal/validator"
)

var (
	ErrNoMatch         = errors.New("暂无可匹配的对手")
	ErrRoomUnavailable = errors.New("房间不可用")
	ErrNotRoomCreator  = errors.New("只有房主可以关闭房间")
)

const roomCodeAttempts = 5

// 建局来源
const (
	PathPvP   = "pvp"
	PathHouse = "house"
	PathRoom  = "room"
)

type Config struct {
	MatchTimeout  time.Duration
	HouseAccounts []string
	RoomTTL       time.Duration
}

// MatchResult 快速匹配结果
type MatchResult struct {
	DuelID     string          `json:"duel_id"`
	Opponent   string          `json:"opponent"`
	OpponentID *int64          `json:"opponent_id"`
	IsHouse    bool            `json:"is_house"`
	Stake      decimal.Decimal `json:"stake"`
}

// RoomTicket 创建房间的结果
type RoomTicket struct {
	Code      string          `json:"room_code"`
	Stake     decimal.Decimal `json:"stake"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// JoinResult 加入房间的结果
type JoinResult struct {
	DuelID string       `json:"duel_id"`
	Room   *models.Room `json:"room"`
}

// roomWatcher 房间过期定时器，由 Sweeper 实现
type roomWatcher interface {
	Watch(room *models.Room)
	Forget(code string)
}

type Service struct {
	ledger    *ledger.Ledger
	db        *database.DB
	queue     *Queue
	validator *validator.StakeValidator
	notifier  notify.Notifier
	logger    *logger.Logger
	metrics   *monitor.Metrics
	cfg       Config

	watcher roomWatcher
	now     func() time.Time
}

func NewService(l *ledger.Ledger, queue *Queue, v *validator.StakeValidator, n notify.Notifier,
	log *logger.Logger, metrics *monitor.Metrics, cfg Config) *Service {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 5 * time.Minute
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{
		ledger:    l,
		db:        l.DB(),
		queue:     queue,
		validator: v,
		notifier:  n,
		logger:    log,
		metrics:   metrics,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// QuickMatch 扣除本金后与同金额的等待者配对；超时无人则由随机庄家接单
func (s *Service) QuickMatch(ctx context.Context, accountID int64, stake decimal.Decimal) (*MatchResult, error) {
	if err := s.validator.Validate(accountID, stake); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Debit(ctx, ledger.Posting{
		AccountID:   accountID,
		Amount:      stake,
		Kind:        models.EntryDuelStake,
		Description: "快速匹配下注",
	}); err != nil {
		return nil, err
	}

	if waiter := s.queue.Take(stake, accountID); waiter != nil {
		s.metrics.QueueWaiting.Set(float64(s.queue.Len()))
		return s.pair(ctx, waiter, accountID, stake)
	}

	ticket := newTicket(accountID, stake)
	s.queue.Enqueue(ticket)
	s.metrics.QueueWaiting.Set(float64(s.queue.Len()))
	s.logger.InfoWithContext("MATCH", "账户 %d 进入匹配队列，金额 %s", accountID, stake)

	timer := time.NewTimer(s.cfg.MatchTimeout)
	defer timer.Stop()

	select {
	case out := <-ticket.result:
		return s.received(ctx, ticket, out)
	case <-timer.C:
	case <-ctx.Done():
	}

	if !s.queue.Withdraw(ticket) {
		// 已被配对，对方建局后一定会送达结果
		return s.received(ctx, ticket, <-ticket.result)
	}
	s.metrics.QueueWaiting.Set(float64(s.queue.Len()))

	if err := ctx.Err(); err != nil {
		s.refund(ctx, accountID, stake, "", "取消匹配退款")
		return nil, err
	}
	return s.house(ctx, accountID, stake)
}

// pair 由后到的一方建局，等待者为玩家1
func (s *Service) pair(ctx context.Context, waiter *Ticket, accountID int64, stake decimal.Decimal) (*MatchResult, error) {
	duel := &models.Duel{
		ID:        uuid.NewString(),
		Player1ID: waiter.AccountID,
		Player2ID: &accountID,
		Stake:     stake,
		Status:    models.DuelActive,
		CreatedAt: s.now(),
	}
	if err := s.db.InsertDuel(ctx, duel); err != nil {
		err = fmt.Errorf("创建对局失败: %w", err)
		waiter.result <- matchOutcome{err: err}
		s.refund(ctx, accountID, stake, "", "建局失败退款")
		return nil, err
	}
	waiter.result <- matchOutcome{duel: duel, opponent: accountID}

	s.metrics.MatchesCreated.WithLabelValues(PathPvP).Inc()
	s.logger.LogDuelAction(duel.ID, "匹配成功", fmt.Sprintf("玩家 %d vs %d，金额 %s", waiter.AccountID, accountID, stake))
	return s.result(ctx, duel, waiter.AccountID), nil
}

// received 等待方收到配对结果；对方建局失败时退还自己的本金
func (s *Service) received(ctx context.Context, t *Ticket, out matchOutcome) (*MatchResult, error) {
	s.metrics.QueueWaiting.Set(float64(s.queue.Len()))
	if out.err != nil {
		s.refund(ctx, t.AccountID, t.Stake, "", "建局失败退款")
		return nil, out.err
	}
	return s.result(ctx, out.duel, out.opponent), nil
}

func (s *Service) house(ctx context.Context, accountID int64, stake decimal.Decimal) (*MatchResult, error) {
	name, err := utils.RandomChoice(s.cfg.HouseAccounts)
	if err != nil {
		s.refund(ctx, accountID, stake, "", "无可用庄家退款")
		return nil, ErrNoMatch
	}

	duel := &models.Duel{
		ID:        uuid.NewString(),
		Player1ID: accountID,
		Stake:     stake,
		Status:    models.DuelActive,
		IsHouse:   true,
		HouseName: name,
		CreatedAt: s.now(),
	}
	if err := s.db.InsertDuel(ctx, duel); err != nil {
		s.refund(ctx, accountID, stake, "", "建局失败退款")
		return nil, fmt.Errorf("创建庄家对局失败: %w", err)
	}

	s.metrics.MatchesCreated.WithLabelValues(PathHouse).Inc()
	s.logger.LogDuelAction(duel.ID, "庄家接单", fmt.Sprintf("玩家 %d vs %s，金额 %s", accountID, name, stake))
	return &MatchResult{DuelID: duel.ID, Opponent: name, IsHouse: true, Stake: stake}, nil
}

func (s *Service) result(ctx context.Context, duel *models.Duel, opponentID int64) *MatchResult {
	r := &MatchResult{DuelID: duel.ID, OpponentID: &opponentID, Stake: duel.Stake}
	if acc, err := s.ledger.Account(ctx, opponentID); err == nil {
		r.Opponent = acc.DisplayName()
	} else {
		r.Opponent = fmt.Sprintf("#%d", opponentID)
	}
	return r
}

// refund 退还本金；调用方已放弃时仍需完成退款，因此不跟随 ctx 取消
func (s *Service) refund(ctx context.Context, accountID int64, stake decimal.Decimal, duelID, description string) {
	if _, err := s.ledger.Credit(context.WithoutCancel(ctx), ledger.Posting{
		AccountID:   accountID,
		Amount:      stake,
		Kind:        models.EntryDuelRefund,
		DuelID:      duelID,
		Description: description,
	}); err != nil {
		s.logger.ErrorWithContext("MATCH", "❌ 账户 %d 退款 %s 失败: %v", accountID, stake, err)
	}
}

// CreateRoom 扣除房主本金并创建房间，两步在同一事务内
func (s *Service) CreateRoom(ctx context.Context, accountID int64, stake decimal.Decimal, ttl time.Duration, private bool) (*RoomTicket, error) {
	if err := s.validator.Validate(accountID, stake); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.cfg.RoomTTL
	}

	now := s.now()
	room := &models.Room{
		CreatorID: accountID,
		Stake:     stake,
		IsPrivate: private,
		Status:    models.RoomWaiting,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	var err error
	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		if room.Code, err = utils.GenerateRoomCode(); err != nil {
			return nil, err
		}
		err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.ledger.DebitTx(ctx, tx, ledger.Posting{
				AccountID:   accountID,
				Amount:      stake,
				Kind:        models.EntryDuelStake,
				Description: "房间 " + room.Code + " 下注",
			}); err != nil {
				return err
			}
			return s.db.InsertRoomTx(ctx, tx, room)
		})
		if !database.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if s.watcher != nil {
		s.watcher.Watch(room)
	}
	s.logger.InfoWithContext("MATCH", "账户 %d 创建房间 %s，金额 %s，%v 后过期", accountID, room.Code, stake, ttl)
	return &RoomTicket{Code: room.Code, Stake: stake, ExpiresAt: room.ExpiresAt}, nil
}

// JoinRoom 扣款、占用房间和建局在同一事务内；房间已被占用或过期时整体回滚
func (s *Service) JoinRoom(ctx context.Context, accountID int64, code string) (*JoinResult, error) {
	if err := s.validator.Acquire(accountID); err != nil {
		return nil, err
	}

	room, err := s.Room(ctx, code)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case room.Status != models.RoomWaiting:
		return nil, fmt.Errorf("%w: 房间 %s 状态为 %s", ErrRoomUnavailable, code, room.Status)
	case room.IsExpired(now):
		if _, err := s.ExpireRoom(ctx, code); err != nil {
			s.logger.ErrorWithContext("MATCH", "房间 %s 过期处理失败: %v", code, err)
		}
		return nil, fmt.Errorf("%w: 房间 %s 已过期", ErrRoomUnavailable, code)
	case room.CreatorID == accountID:
		return nil, fmt.Errorf("%w: 不能加入自己的房间", ErrRoomUnavailable)
	}

	duel := &models.Duel{
		ID:        uuid.NewString(),
		Player1ID: room.CreatorID,
		Player2ID: &accountID,
		Stake:     room.Stake,
		Status:    models.DuelActive,
		RoomCode:  &room.Code,
		CreatedAt: now,
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ledger.DebitTx(ctx, tx, ledger.Posting{
			AccountID:   accountID,
			Amount:      room.Stake,
			Kind:        models.EntryDuelStake,
			DuelID:      duel.ID,
			Description: "加入房间 " + room.Code,
		}); err != nil {
			return err
		}
		err := s.db.FillRoomTx(ctx, tx, room.Code, duel.ID, now)
		if errors.Is(err, database.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: 房间 %s 已被占用或已过期", ErrRoomUnavailable, code)
		}
		if err != nil {
			return err
		}
		return s.db.InsertDuelTx(ctx, tx, duel)
	})
	if err != nil {
		return nil, err
	}

	if s.watcher != nil {
		s.watcher.Forget(room.Code)
	}
	s.metrics.MatchesCreated.WithLabelValues(PathRoom).Inc()
	s.metrics.RoomsEnded.WithLabelValues(string(models.RoomFull)).Inc()
	s.logger.LogDuelAction(duel.ID, "加入房间", fmt.Sprintf("房间 %s，玩家 %d vs %d，金额 %s", code, room.CreatorID, accountID, room.Stake))

	room.Status = models.RoomFull
	room.DuelID = &duel.ID
	return &JoinResult{DuelID: duel.ID, Room: room}, nil
}

// CloseRoom 房主关闭等待中的房间并取回本金
func (s *Service) CloseRoom(ctx context.Context, accountID int64, code string) (*models.Room, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.CreatorID != accountID {
		return nil, ErrNotRoomCreator
	}
	if err := s.endRoom(ctx, room, models.RoomClosed, "关闭房间退款"); err != nil {
		return nil, err
	}
	return s.Room(ctx, code)
}

// ExpireRoom 过期等待中的房间并退还房主；房间已不在等待状态时返回 false
func (s *Service) ExpireRoom(ctx context.Context, code string) (bool, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return false, err
	}
	if room.Status != models.RoomWaiting || !room.IsExpired(s.now()) {
		return false, nil
	}

	err = s.endRoom(ctx, room, models.RoomExpired, "房间过期退款")
	if errors.Is(err, ErrRoomUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if acc, err := s.ledger.Account(ctx, room.CreatorID); err == nil {
		room.Status = models.RoomExpired
		s.notifier.RoomExpired(ctx, acc, room)
	}
	return true, nil
}

func (s *Service) endRoom(ctx context.Context, room *models.Room, status models.RoomStatus, description string) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := s.db.EndRoomTx(ctx, tx, room.Code, status, s.now())
		if errors.Is(err, database.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: 房间 %s 已不在等待中", ErrRoomUnavailable, room.Code)
		}
		if err != nil {
			return err
		}
		_, err = s.ledger.CreditTx(ctx, tx, ledger.Posting{
			AccountID:   room.CreatorID,
			Amount:      room.Stake,
			Kind:        models.EntryDuelRefund,
			Description: description + " " + room.Code,
		})
		return err
	})
	if err != nil {
		return err
	}

	if s.watcher != nil {
		s.watcher.Forget(room.Code)
	}
	s.metrics.RoomsEnded.WithLabelValues(string(status)).Inc()
	s.logger.InfoWithContext("MATCH", "房间 %s -> %s，退还账户 %d 金额 %s", room.Code, status, room.CreatorID, room.Stake)
	return nil
}

func (s *Service) Room(ctx context.Context, code string) (*models.Room, error) {
	room, err := s.db.GetRoom(ctx, s.db.Conn(), code)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: 房间 %s 不存在", ErrRoomUnavailable, code)
	}
	return room, err
}

// OpenRooms 公开且未过期的等待中房间
func (s *Service) OpenRooms(ctx context.Context, limit int) ([]*models.Room, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListOpenRooms(ctx, s.now(), limit)
}

// Waiting 快速匹配队列中的人数
func (s *Service) Waiting() int {
	return s.queue.Len()
}
