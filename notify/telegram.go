// Package notify emits order lifecycle events to an operator channel.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/RaghavSood/dcabot/db"
)

// Notifier receives order lifecycle events. Implementations must not block
// the scheduler; delivery failures are logged, never propagated.
type Notifier interface {
	OrderExecuted(o *db.Order, txHash string)
	OrderFailed(o *db.Order, reason string, terminal bool)
}

// Nop drops all events.
type Nop struct{}

func (Nop) OrderExecuted(*db.Order, string)     {}
func (Nop) OrderFailed(*db.Order, string, bool) {}

// Telegram posts lifecycle events to a fixed chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.SugaredLogger
}

func NewTelegram(token string, chatID int64, log *zap.SugaredLogger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		log:    log.Named("notify"),
	}, nil
}

func (t *Telegram) OrderExecuted(o *db.Order, txHash string) {
	t.send(fmt.Sprintf("✅ *Order executed*\n%s → %s\nOrder: `%s`\nTx: `%s`",
		o.FromSymbol, o.ToSymbol, o.ID, txHash))
}

func (t *Telegram) OrderFailed(o *db.Order, reason string, terminal bool) {
	header := "⚠️ *Order attempt failed*"
	if terminal {
		header = "❌ *Order failed permanently*"
	}
	t.send(fmt.Sprintf("%s\n%s → %s\nOrder: `%s`\nReason: `%s`\nAttempt %d/%d",
		header, o.FromSymbol, o.ToSymbol, o.ID, reason, o.RetryCount, o.MaxRetries))
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warnw("failed to send notification", "error", err)
	}
}
