// Package telegram provides the notification sink backed by the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pricewatch/internal/models"
)

// Client sends alert notifications over Telegram. It performs exactly one
// send attempt per call; the delivery queue owns retries and spacing.
type Client struct {
	bot           *tgbotapi.BotAPI
	defaultChatID int64
}

// NewClient creates a new Telegram client. defaultChatID is used for tasks
// that carry no destination of their own.
func NewClient(botToken, defaultChatID string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(defaultChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	return &Client{
		bot:           bot,
		defaultChatID: chatIDInt,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// Send delivers one notification task as a MarkdownV2 message.
func (c *Client) Send(task models.Task) error {
	chatID := c.defaultChatID
	if task.ChatID != "" {
		parsed, err := strconv.ParseInt(task.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid destination chat ID %q: %w", task.ChatID, err)
		}
		chatID = parsed
	}

	msg := tgbotapi.NewMessage(chatID, formatMessage(task))
	msg.ParseMode = "MarkdownV2"
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// formatMessage renders a task into a Telegram MarkdownV2 message.
func formatMessage(task models.Task) string {
	directionEmoji := "📈"
	switch task.Condition {
	case models.CondCrossDown, models.CondPriceLTE, models.CondPctChangeDown:
		directionEmoji = "📉"
	}

	message := fmt.Sprintf("%s *Price alert: %s*\n\n", directionEmoji, escapeMarkdownV2(task.Symbol))
	message += fmt.Sprintf("%s\n\n", escapeMarkdownV2(task.Reason))
	message += fmt.Sprintf("🕐 %s", escapeMarkdownV2(task.TriggeredAt.Format(time.DateTime)))
	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
