package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/pfennig/pfennig/pkg/logger"
)

// TelegramNotificator sends operator alerts to a single Telegram chat.
type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot

	chatID string
}

func NewTelegramNotificator(logger *logger.Logger, token, chatID string, opts ...bot.Option) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		chatID: chatID,
	}
	opts = append([]bot.Option{
		bot.WithDefaultHandler(provider.handler),
		bot.WithSkipGetMe(),
	}, opts...)

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Start polls for updates until ctx is done.
func (t *TelegramNotificator) Start(ctx context.Context) {
	t.bot.Start(ctx)
}

func (t *TelegramNotificator) SendAlert(ctx context.Context, message string) {
	if t.chatID == "" {
		t.logger.Warn("Telegram alert chat is not configured, dropping alert", "message", message)
		return
	}
	t.SendNotification(ctx, t.chatID, message)
}

func (t *TelegramNotificator) SendNotification(ctx context.Context, chatId, message string) {
	params := &bot.SendMessageParams{
		ChatID: chatId,
		Text:   message,
	}
	_, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		t.logger.Error("Failed to send telegram message", "chat", chatId, "error", err)
	}
}

// handler answers /start with the chat id to put into TELEGRAM_ALERT_CHAT_ID.
func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	t.logger.Debug("Telegram update", "username", update.Message.From.Username, "text", update.Message.Text)
	if update.Message.Text == "/start" {
		chatID := fmt.Sprint(update.Message.Chat.ID)
		t.SendNotification(ctx, chatID, "Pfennig alerts chat id: "+chatID)
	}
}
