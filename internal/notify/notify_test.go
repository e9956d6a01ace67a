package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func TestTelegramPayoutFailedAlertsAdmins(t *testing.T) {
	sender := &fakeSender{}
	n := NewTelegramWithSender(sender, []int64{900, 901}, logger.NewNop())
	defer n.Close()

	acc := &models.Account{ID: 7, TelegramID: 42, Username: "alice"}
	n.PayoutFailed(context.Background(), acc, decimal.RequireFromString("17"), "节点超时")

	require.Len(t, sender.sent, 3)
	assert.Equal(t, int64(42), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "17.00")
	assert.Equal(t, int64(900), sender.sent[1].ChatID)
	assert.True(t, strings.Contains(sender.sent[2].Text, "alice"))
}

func TestTelegramSendErrorsAreSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("blocked by user")}
	n := NewTelegramWithSender(sender, nil, logger.NewNop())
	defer n.Close()

	acc := &models.Account{ID: 1, TelegramID: 5}
	n.DepositCredited(context.Background(), acc, decimal.NewFromInt(10), "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW")
	n.RoomExpired(context.Background(), acc, &models.Room{Code: "AB12CD", Stake: decimal.NewFromInt(3)})

	assert.Len(t, sender.sent, 2)
}

func TestTelegramSkipsSystemChat(t *testing.T) {
	sender := &fakeSender{}
	n := NewTelegramWithSender(sender, nil, logger.NewNop())
	defer n.Close()

	n.PayoutSent(context.Background(), &models.Account{ID: models.PlatformAccountID}, decimal.NewFromInt(1), "sig")
	assert.Empty(t, sender.sent)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	acc := &models.Account{ID: 3}

	r.DepositCredited(context.Background(), acc, decimal.NewFromInt(5), "sig1")
	r.PayoutFailed(context.Background(), acc, decimal.NewFromInt(2), "x")

	assert.Len(t, r.Events(""), 2)
	deposits := r.Events("deposit")
	require.Len(t, deposits, 1)
	assert.Equal(t, "sig1", deposits[0].Detail)
}
