package services

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const telegramTimeout = 10 * time.Second

// TelegramService sends device lifecycle notices to a Telegram chat.
type TelegramService struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	clock  Clock
	logger *zap.Logger
}

func NewTelegramService(token, chatID string, clock Clock, logger *zap.Logger) (*TelegramService, error) {
	return newTelegramService(token, chatID, tgbotapi.APIEndpoint, clock, logger)
}

func newTelegramService(token, chatID, endpoint string, clock Clock, logger *zap.Logger) (*TelegramService, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: telegramTimeout})
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &TelegramService{
		bot:    bot,
		chatID: id,
		clock:  clock,
		logger: logger,
	}, nil
}

func (ts *TelegramService) NotifyStartup(deviceID, version string) error {
	var b strings.Builder
	b.WriteString("<b>vibenode started</b>\n\n")
	fmt.Fprintf(&b, "Device: <code>%s</code>\n", html.EscapeString(deviceID))
	fmt.Fprintf(&b, "Version: %s\n", html.EscapeString(version))
	fmt.Fprintf(&b, "Time: %s", FormatTimestamp(ts.clock.Now()))
	return ts.send(b.String())
}

func (ts *TelegramService) NotifyReset(deviceID, reason, lastStatus string) error {
	var b strings.Builder
	b.WriteString("<b>vibenode resetting</b>\n\n")
	fmt.Fprintf(&b, "Device: <code>%s</code>\n", html.EscapeString(deviceID))
	fmt.Fprintf(&b, "Reason: %s\n", html.EscapeString(reason))
	if lastStatus != "" {
		fmt.Fprintf(&b, "Last status: <code>%s</code>\n", html.EscapeString(lastStatus))
	}
	fmt.Fprintf(&b, "Time: %s", FormatTimestamp(ts.clock.Now()))
	return ts.send(b.String())
}

func (ts *TelegramService) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	ts.logger.Debug("Telegram message sent", zap.Int64("chat_id", ts.chatID))
	return nil
}
