// Package settlement finishes duels. Every money movement of a settlement
// commits in the same transaction as the duel's status change.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/payout"
	"telegram-coinflip/internal/utils"
)

var (
	ErrDuelNotActive      = errors.New("对局不在进行中")
	ErrDuelNotFound       = errors.New("对局不存在")
	ErrOverrideNotAllowed = errors.New("玩家对战不允许指定结果")
	ErrInvalidSide        = errors.New("无效的硬币面")
)

// OutcomeSource 结果来源：随机抛掷或（仅限庄家局）指定结果
type OutcomeSource interface {
	isOutcomeSource()
}

// RandomDraw 安全随机数抛硬币
type RandomDraw struct{}

// Override 指定结果，只能用于庄家局
type Override struct {
	Side models.Side
}

func (RandomDraw) isOutcomeSource() {}
func (Override) isOutcomeSource()   {}

// 出款去向
const (
	DispatchQueued   = "queued"   // 已提交出款队列
	DispatchInternal = "internal" // 留在内部余额
	DispatchFallback = "fallback" // 入队失败，留在内部余额
	DispatchNone     = "none"     // 庄家获胜，无需出款
)

// 获胜方
const (
	WinnerPlayer1 = "player1"
	WinnerPlayer2 = "player2"
	WinnerHouse   = "house"
)

// Result 结算结果
type Result struct {
	DuelID     string          `json:"duel_id"`
	Outcome    models.Side     `json:"outcome"`
	WinnerSide string          `json:"winner_side"`
	WinnerID   *int64          `json:"winner_id"`
	Payout     decimal.Decimal `json:"payout"`
	Commission decimal.Decimal `json:"commission"`
	Dispatch   string          `json:"dispatch"`
}

// PayoutQueue *payout.Dispatcher 满足该接口
type PayoutQueue interface {
	Submit(req payout.Request) error
}

type Config struct {
	CommissionRate decimal.Decimal
	PayoutOnWin    bool
}

type Settler struct {
	ledger  *ledger.Ledger
	db      *database.DB
	queue   PayoutQueue
	logger  *logger.Logger
	metrics *monitor.Metrics
	cfg     Config

	flip func() (models.Side, error)
	now  func() time.Time
}

func New(l *ledger.Ledger, queue PayoutQueue, log *logger.Logger, metrics *monitor.Metrics, cfg Config) *Settler {
	return &Settler{
		ledger:  l,
		db:      l.DB(),
		queue:   queue,
		logger:  log,
		metrics: metrics,
		cfg:     cfg,
		flip:    flipCoin,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func flipCoin() (models.Side, error) {
	n, err := utils.SecureRandomInt(2)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return models.Heads, nil
	}
	return models.Tails, nil
}

// Payout 按规则计算赢家所得与佣金：
// 赢家 = 本金 + (1-费率)×对手本金，佣金 = 费率×对手本金
func Payout(stake, rate decimal.Decimal) (payout, commission decimal.Decimal) {
	commission = utils.CalculateCommission(stake, rate)
	return stake.Add(stake).Sub(commission), commission
}

func (s *Settler) Duel(ctx context.Context, duelID string) (*models.Duel, error) {
	duel, err := s.db.GetDuel(ctx, s.db.Conn(), duelID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDuelNotFound, duelID)
	}
	return duel, err
}

// Resolve 结算进行中的对局。正面玩家1胜，反面玩家2（或庄家）胜
func (s *Settler) Resolve(ctx context.Context, duelID string, src OutcomeSource) (*Result, error) {
	duel, err := s.Duel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if duel.Status != models.DuelActive {
		return nil, fmt.Errorf("%w: %s 当前状态 %s", ErrDuelNotActive, duelID, duel.Status)
	}

	var outcome models.Side
	switch src := src.(type) {
	case Override:
		if !duel.IsHouse {
			return nil, ErrOverrideNotAllowed
		}
		if !src.Side.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSide, src.Side)
		}
		outcome = src.Side
	case RandomDraw, nil:
		if outcome, err = s.flip(); err != nil {
			return nil, fmt.Errorf("生成随机结果失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("未知的结果来源 %T", src)
	}

	payoutAmount, commission := Payout(duel.Stake, s.cfg.CommissionRate)
	result := &Result{DuelID: duel.ID, Outcome: outcome, Commission: commission}
	switch {
	case outcome == models.Heads:
		result.WinnerSide = WinnerPlayer1
		result.WinnerID = &duel.Player1ID
	case duel.IsHouse:
		result.WinnerSide = WinnerHouse
	default:
		result.WinnerSide = WinnerPlayer2
		result.WinnerID = duel.Player2ID
	}
	if result.WinnerID != nil {
		result.Payout = payoutAmount
	} else {
		result.Payout = decimal.Zero
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := s.db.FinishDuelTx(ctx, tx, duel.ID, outcome, result.WinnerID, result.Payout, commission, s.now())
		if errors.Is(err, database.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %s", ErrDuelNotActive, duel.ID)
		}
		if err != nil {
			return err
		}

		if result.WinnerID != nil {
			if _, err := s.ledger.CreditTx(ctx, tx, ledger.Posting{
				AccountID:   *result.WinnerID,
				Amount:      result.Payout,
				Kind:        models.EntryDuelPayout,
				DuelID:      duel.ID,
				Description: "对局获胜",
			}); err != nil {
				return err
			}
		}

		if income, desc := platformIncome(duel, result, commission); income.IsPositive() {
			if _, err := s.ledger.CreditTx(ctx, tx, ledger.Posting{
				AccountID:   models.PlatformAccountID,
				Amount:      income,
				Kind:        models.EntryCommission,
				DuelID:      duel.ID,
				Description: desc,
			}); err != nil {
				return err
			}
		}

		for _, id := range duel.Funders() {
			won := result.WinnerID != nil && *result.WinnerID == id
			wonAmount := decimal.Zero
			if won {
				wonAmount = result.Payout
			}
			if err := s.db.UpdateStatsTx(ctx, tx, id, won, duel.Stake, wonAmount); err != nil {
				return fmt.Errorf("更新统计失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DuelsSettled.WithLabelValues(duelType(duel), result.WinnerSide).Inc()
	s.metrics.CommissionTotal.Add(commission.InexactFloat64())
	s.logger.LogDuelAction(duel.ID, "结算", fmt.Sprintf("结果 %s，%s 获胜，派彩 %s，佣金 %s",
		outcome, result.WinnerSide, result.Payout, commission))

	result.Dispatch = s.dispatch(duel, result)
	return result, nil
}

// platformIncome 平台入账：玩家对战收佣金，庄家获胜收玩家没收的本金，玩家赢庄家时为零
func platformIncome(duel *models.Duel, result *Result, commission decimal.Decimal) (decimal.Decimal, string) {
	switch {
	case !duel.IsHouse:
		return commission, "对局佣金"
	case result.WinnerSide == WinnerHouse:
		return duel.Stake, "庄家局获胜"
	default:
		return decimal.Zero, ""
	}
}

// dispatch 提交链上出款，失败时奖金留在内部余额
func (s *Settler) dispatch(duel *models.Duel, result *Result) string {
	if result.WinnerID == nil {
		return DispatchNone
	}
	if !s.cfg.PayoutOnWin || s.queue == nil {
		return DispatchInternal
	}
	err := s.queue.Submit(payout.Request{
		AccountID: *result.WinnerID,
		Amount:    result.Payout,
		Kind:      payout.KindPayout,
		DuelID:    duel.ID,
	})
	if err != nil {
		s.logger.ErrorWithContext("SETTLE", "⚠️ 对局 %s 出款入队失败，奖金保留在余额: %v", duel.ID, err)
		return DispatchFallback
	}
	return DispatchQueued
}

// Cancel 取消对局并在同一事务内退还所有出资玩家
func (s *Settler) Cancel(ctx context.Context, duelID string) (*models.Duel, error) {
	duel, err := s.Duel(ctx, duelID)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := s.db.CancelDuelTx(ctx, tx, duel.ID, s.now())
		if errors.Is(err, database.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %s 当前状态 %s", ErrDuelNotActive, duel.ID, duel.Status)
		}
		if err != nil {
			return err
		}
		for _, id := range duel.Funders() {
			if _, err := s.ledger.CreditTx(ctx, tx, ledger.Posting{
				AccountID:   id,
				Amount:      duel.Stake,
				Kind:        models.EntryDuelRefund,
				DuelID:      duel.ID,
				Description: "对局取消退款",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DuelsSettled.WithLabelValues(duelType(duel), "cancelled").Inc()
	s.logger.LogDuelAction(duel.ID, "取消", fmt.Sprintf("退还 %d 名玩家各 %s", len(duel.Funders()), duel.Stake))
	return s.Duel(ctx, duel.ID)
}

// ActiveHouseDuels 进行中的庄家局，供运营查看
func (s *Settler) ActiveHouseDuels(ctx context.Context, limit int) ([]*models.Duel, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.db.ListDuels(ctx, models.DuelActive, 1, limit)
}

func duelType(d *models.Duel) string {
	if d.IsHouse {
		return "house"
	}
	return "pvp"
}
