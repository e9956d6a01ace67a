package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"telegram-coinflip/internal/account"
	"telegram-coinflip/internal/logger"
	"telegram-coinflip/internal/models"
	"telegram-coinflip/internal/pool"
	"telegram-coinflip/internal/utils"
)

// MessageSender *tgbotapi.BotAPI 满足该接口
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram 通过机器人私聊用户，出款失败同时告知管理员
type Telegram struct {
	api     MessageSender
	admins  []int64
	limiter *pool.RateLimiter
	logger  *logger.Logger
}

// NewTelegram 使用 token 连接 Bot API
func NewTelegram(token string, admins []int64, log *logger.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("创建机器人API失败: %v", err)
	}
	log.Info("✅ 通知机器人已连接: @%s", api.Self.UserName)
	return NewTelegramWithSender(api, admins, log), nil
}

func NewTelegramWithSender(api MessageSender, admins []int64, log *logger.Logger) *Telegram {
	return &Telegram{
		api:    api,
		admins: admins,
		// 每秒30条，符合Telegram API限制
		limiter: pool.NewRateLimiter(30, time.Second),
		logger:  log,
	}
}

func (t *Telegram) Close() {
	t.limiter.Stop()
}

func (t *Telegram) DepositCredited(ctx context.Context, acc *models.Account, amount decimal.Decimal, signature string) {
	text := fmt.Sprintf("💰 充值到账\n\n金额: %s\n交易: %s\n\n余额已更新，可以开始游戏了",
		utils.FormatAmount(amount), account.ShortAddress(signature))
	t.send(ctx, acc.TelegramID, text)
}

func (t *Telegram) PayoutSent(ctx context.Context, acc *models.Account, amount decimal.Decimal, signature string) {
	text := fmt.Sprintf("✅ 出款成功\n\n金额: %s\n交易: %s", utils.FormatAmount(amount), signature)
	t.send(ctx, acc.TelegramID, text)
}

func (t *Telegram) PayoutFailed(ctx context.Context, acc *models.Account, amount decimal.Decimal, reason string) {
	t.send(ctx, acc.TelegramID, fmt.Sprintf("⚠️ 出款未完成\n\n金额: %s 已保留在您的余额中\n原因: %s",
		utils.FormatAmount(amount), reason))

	alert := fmt.Sprintf("❌ 出款失败\n\n用户: %s (%d)\n金额: %s\n原因: %s",
		acc.DisplayName(), acc.ID, utils.FormatAmount(amount), reason)
	for _, admin := range t.admins {
		t.send(ctx, admin, alert)
	}
}

func (t *Telegram) RoomExpired(ctx context.Context, acc *models.Account, room *models.Room) {
	text := fmt.Sprintf("⌛ 房间 %s 已过期\n\n无人加入，%s 已退回您的余额", room.Code, utils.FormatAmount(room.Stake))
	t.send(ctx, acc.TelegramID, text)
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if err := t.limiter.Wait(ctx); err != nil {
		t.logger.ErrorWithContext("NOTIFY", "通知 %d 被取消: %v", chatID, err)
		return
	}
	if _, err := t.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.ErrorWithContext("NOTIFY", "发送通知给 %d 失败: %v", chatID, err)
	}
}

var _ Notifier = (*Telegram)(nil)
