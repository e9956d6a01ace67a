package settlement

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-coinflip/internal/database"
	"telegram-coinflip/internal/ledger"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/monitor"
	"telegram-coinflip/internal/payout"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingQueue struct {
	mu       sync.Mutex
	requests []payout.Request
	err      error
}

func (q *recordingQueue) Submit(req payout.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

type fixture struct {
	db     *database.DB
	ledger *ledger.Ledger
	queue  *recordingQueue
	s      *Settler
}

func newFixture(t *testing.T, payoutOnWin bool) *fixture {
	t.Helper()
	db, err := database.Init(filepath.Join(t.TempDir(), "settle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, queue: &recordingQueue{}}
	f.ledger = ledger.New(db, logger.NewNop(), monitor.NewTest())
	f.s = New(f.ledger, f.queue, logger.NewNop(), monitor.NewTest(), Config{
		CommissionRate: dec("0.3"),
		PayoutOnWin:    payoutOnWin,
	})
	return f
}

func (f *fixture) account(t *testing.T, telegramID int64, balance string) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	require.NoError(t, f.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = f.db.InsertAccountTx(ctx, tx, telegramID, "", nil, time.Now().UTC())
		return err
	}))
	_, err := f.ledger.Credit(ctx, ledger.Posting{AccountID: id, Amount: dec(balance), Kind: models.EntryDeposit})
	require.NoError(t, err)
	return id
}

// duel 扣除双方本金并创建进行中的对局；player2 为 0 表示庄家局
func (f *fixture) duel(t *testing.T, player1, player2 int64, stake string) *models.Duel {
	t.Helper()
	ctx := context.Background()
	d := &models.Duel{
		ID:        uuid.NewString(),
		Player1ID: player1,
		Stake:     dec(stake),
		Status:    models.DuelActive,
		CreatedAt: time.Now().UTC(),
	}
	if player2 == 0 {
		d.IsHouse = true
		d.HouseName = "@crypto_king"
	} else {
		d.Player2ID = &player2
	}

	require.NoError(t, f.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range d.Funders() {
			if _, err := f.ledger.DebitTx(ctx, tx, ledger.Posting{AccountID: id, Amount: d.Stake, Kind: models.EntryDuelStake, DuelID: d.ID}); err != nil {
				return err
			}
		}
		return f.db.InsertDuelTx(ctx, tx, d)
	}))
	return d
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) forceFlip(side models.Side) {
	f.s.flip = func() (models.Side, error) { return side, nil }
}

// 场景A：双方各10，费率0.3，赢家得17，平台得3，总额守恒
func TestResolvePvPAppliesPayoutRule(t *testing.T) {
	f := newFixture(t, false)
	alice := f.account(t, 1, "10")
	bob := f.account(t, 2, "10")
	d := f.duel(t, alice, bob, "10")
	f.forceFlip(models.Tails)

	result, err := f.s.Resolve(context.Background(), d.ID, RandomDraw{})
	require.NoError(t, err)

	assert.Equal(t, WinnerPlayer2, result.WinnerSide)
	require.NotNil(t, result.WinnerID)
	assert.Equal(t, bob, *result.WinnerID)
	assert.True(t, result.Payout.Equal(dec("17")))
	assert.True(t, result.Commission.Equal(dec("3")))
	assert.Equal(t, DispatchInternal, result.Dispatch)

	assert.True(t, f.balance(t, alice).IsZero())
	assert.True(t, f.balance(t, bob).Equal(dec("17")))
	assert.True(t, f.balance(t, models.PlatformAccountID).Equal(dec("3")))

	total := f.balance(t, alice).Add(f.balance(t, bob)).Add(f.balance(t, models.PlatformAccountID))
	assert.True(t, total.Equal(dec("20")), "总额应守恒: %s", total)

	winner, err := f.ledger.Account(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), winner.TotalGames)
	assert.Equal(t, int64(1), winner.Wins)
	assert.True(t, winner.TotalWon.Equal(dec("17")))

	loser, err := f.ledger.Account(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loser.TotalGames)
	assert.Zero(t, loser.Wins)
}

// 场景B：庄家获胜，玩家本金没收并记入平台账户
func TestResolveHouseWin(t *testing.T) {
	f := newFixture(t, true)
	alice := f.account(t, 1, "10")
	d := f.duel(t, alice, 0, "10")

	result, err := f.s.Resolve(context.Background(), d.ID, Override{Side: models.Tails})
	require.NoError(t, err)

	assert.Equal(t, WinnerHouse, result.WinnerSide)
	assert.Nil(t, result.WinnerID)
	assert.True(t, result.Payout.IsZero())
	assert.Equal(t, DispatchNone, result.Dispatch)
	assert.True(t, f.balance(t, alice).IsZero())
	assert.True(t, f.balance(t, models.PlatformAccountID).Equal(dec("10")))

	entries, err := f.ledger.Entries(context.Background(), models.PlatformAccountID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryCommission, entries[0].Kind)
	require.NotNil(t, entries[0].DuelID)
	assert.Equal(t, d.ID, *entries[0].DuelID)

	report, err := f.ledger.Audit(context.Background(), models.PlatformAccountID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)

	stored, err := f.s.Duel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelFinished, stored.Status)
	assert.True(t, stored.Commission.Equal(dec("3")))
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, models.Tails, *stored.Outcome)
}

func TestResolveHousePlayerWinQueuesPayout(t *testing.T) {
	f := newFixture(t, true)
	alice := f.account(t, 1, "10")
	d := f.duel(t, alice, 0, "10")

	result, err := f.s.Resolve(context.Background(), d.ID, Override{Side: models.Heads})
	require.NoError(t, err)
	assert.Equal(t, DispatchQueued, result.Dispatch)
	assert.True(t, f.balance(t, alice).Equal(dec("17")))
	assert.True(t, f.balance(t, models.PlatformAccountID).IsZero())

	require.Len(t, f.queue.requests, 1)
	req := f.queue.requests[0]
	assert.Equal(t, alice, req.AccountID)
	assert.True(t, req.Amount.Equal(dec("17")))
	assert.Equal(t, payout.KindPayout, req.Kind)
	assert.Equal(t, d.ID, req.DuelID)
}

func TestQueueFailureFallsBackToBalance(t *testing.T) {
	f := newFixture(t, true)
	f.queue.err = errors.New("queue full")
	alice := f.account(t, 1, "10")
	d := f.duel(t, alice, 0, "10")

	result, err := f.s.Resolve(context.Background(), d.ID, Override{Side: models.Heads})
	require.NoError(t, err)
	assert.Equal(t, DispatchFallback, result.Dispatch)
	assert.True(t, f.balance(t, alice).Equal(dec("17")))
}

func TestOverrideRejectedForPvP(t *testing.T) {
	f := newFixture(t, false)
	d := f.duel(t, f.account(t, 1, "5"), f.account(t, 2, "5"), "5")

	_, err := f.s.Resolve(context.Background(), d.ID, Override{Side: models.Heads})
	assert.ErrorIs(t, err, ErrOverrideNotAllowed)

	_, err = f.s.Resolve(context.Background(), d.ID, Override{Side: "edge"})
	assert.ErrorIs(t, err, ErrOverrideNotAllowed)

	stored, err := f.s.Duel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelActive, stored.Status)
}

func TestInvalidOverrideSide(t *testing.T) {
	f := newFixture(t, false)
	d := f.duel(t, f.account(t, 1, "5"), 0, "5")

	_, err := f.s.Resolve(context.Background(), d.ID, Override{Side: "edge"})
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestResolveOnlyOnce(t *testing.T) {
	f := newFixture(t, false)
	alice := f.account(t, 1, "10")
	bob := f.account(t, 2, "10")
	d := f.duel(t, alice, bob, "10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.s.Resolve(context.Background(), d.ID, RandomDraw{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, ErrDuelNotActive) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 4, rejected)
	total := f.balance(t, alice).Add(f.balance(t, bob)).Add(f.balance(t, models.PlatformAccountID))
	assert.True(t, total.Equal(dec("20")))
}

func TestCancelRefundsAndIsFinal(t *testing.T) {
	f := newFixture(t, false)
	alice := f.account(t, 1, "10")
	bob := f.account(t, 2, "10")
	d := f.duel(t, alice, bob, "4")

	cancelled, err := f.s.Cancel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelCancelled, cancelled.Status)
	assert.True(t, f.balance(t, alice).Equal(dec("10")))
	assert.True(t, f.balance(t, bob).Equal(dec("10")))

	_, err = f.s.Cancel(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrDuelNotActive)
	_, err = f.s.Resolve(context.Background(), d.ID, RandomDraw{})
	assert.ErrorIs(t, err, ErrDuelNotActive)
}

func TestFinishedNeverReturnsToActive(t *testing.T) {
	f := newFixture(t, false)
	d := f.duel(t, f.account(t, 1, "10"), f.account(t, 2, "10"), "10")

	_, err := f.s.Resolve(context.Background(), d.ID, RandomDraw{})
	require.NoError(t, err)

	_, err = f.s.Cancel(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrDuelNotActive)

	stored, err := f.s.Duel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelFinished, stored.Status)
}

func TestActiveHouseDuels(t *testing.T) {
	f := newFixture(t, false)
	alice := f.account(t, 1, "10")
	f.duel(t, alice, 0, "2")
	f.duel(t, alice, f.account(t, 2, "10"), "2")

	duels, err := f.s.ActiveHouseDuels(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, duels, 1)
	assert.True(t, duels[0].IsHouse)

	_, err = f.s.Resolve(context.Background(), "missing", RandomDraw{})
	assert.ErrorIs(t, err, ErrDuelNotFound)
}

func TestPayoutRule(t *testing.T) {
	payoutAmount, commission := Payout(dec("2.5"), dec("0.3"))
	assert.Equal(t, "4.25", payoutAmount.String())
	assert.Equal(t, "0.75", commission.String())
}
