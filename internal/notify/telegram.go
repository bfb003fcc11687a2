// Package notify fans settlement events out to operator-facing sinks.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/Delta-Compute/DeltaCFOAgent-sub001/internal/model"
)

// Sink receives one event per invoice state transition. Delivery is
// fire-and-forget: a sink failure never affects reconciliation.
type Sink interface {
	Notify(ev model.StatusEvent)
}

// TelegramNotifier pushes settlement transitions to an operations chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger zerolog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

func (n *TelegramNotifier) Notify(ev model.StatusEvent) {
	text := fmt.Sprintf("Invoice #%d → %s: %s %s", ev.InvoiceID, ev.Type, ev.Amount.String(), ev.Currency)
	if ev.TxHash != "" {
		text += fmt.Sprintf("\ntx %s", ev.TxHash)
	}
	if ev.Source != "" {
		text += fmt.Sprintf("\nsource %s", ev.Source)
	}

	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		n.logger.Warn().
			Int64("invoice_id", ev.InvoiceID).
			Str("type", ev.Type).
			Err(err).
			Msg("Failed to deliver telegram notification")
	}
}
