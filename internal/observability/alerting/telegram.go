package alerting

import (
	"context"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	xerrors "AgentDCA/internal/errors"
)

const telegramMaxLength = 4096

// TelegramNotifier 通过 Telegram 机器人向运维群发送告警。
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier 使用 bot token 创建通知器，构造时会调用 getMe 校验 token。
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithEndpoint(token, tgbotapi.APIEndpoint, chatID, &http.Client{})
}

// NewTelegramNotifierWithEndpoint 允许指定 API 地址，endpoint 形如 "https://host/bot%s/%s"。
func NewTelegramNotifierWithEndpoint(token, endpoint string, chatID int64, client *http.Client) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Telegram 告警需要 token 与 chat id")
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化 Telegram 机器人失败")
	}
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

// Channel 返回 Telegram 渠道。
func (n *TelegramNotifier) Channel() Channel { return ChannelTelegram }

// Notify 发送消息，超长内容会被截断。
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := event.Summary()
	if len(text) > telegramMaxLength {
		text = text[:telegramMaxLength-3] + "..."
	}
	_, err := n.api.Send(tgbotapi.NewMessage(n.chatID, text))
	return err
}
