// Package notify sends watchdog alerts to a human over Telegram. It never
// reads the kernel's own secrets vault -- its bot token comes from a
// dedicated environment variable named in the watchdog's own config, so a
// compromised or misbehaving kernel process can never see it.
package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/aegis-run/aegis/internal/kernel/types"
	"github.com/aegis-run/aegis/internal/watchdog/wconfig"
)

// Notifier sends watchdog alerts and status messages to their configured
// recipients.
type Notifier interface {
	SendAlert(ctx context.Context, match types.PatternMatch) error
	SendFixApplied(ctx context.Context, fix types.Fix) error
	SendMessage(ctx context.Context, text string) error
}

// messageSender is the narrow subset of *bot.Bot this package depends on,
// so tests can substitute a fake without standing up a real bot.
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

type realSender struct{ b *bot.Bot }

func (r *realSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.b.SendMessage(ctx, params)
}

// TelegramNotifier implements Notifier over a Telegram bot, with a cooldown
// that collapses repeated alerts for the same pattern into one message per
// window.
type TelegramNotifier struct {
	sender    messageSender
	users     []int64
	prefix    string
	cooldown  time.Duration
	lastSent  map[string]time.Time
}

// NewTelegramNotifier builds a notifier from cfg, reading the bot token
// from the environment variable cfg.BotTokenEnv names.
func NewTelegramNotifier(cfg wconfig.TelegramConfig, reports wconfig.ReportsConfig) (*TelegramNotifier, error) {
	token := os.Getenv(cfg.BotTokenEnv)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token env var %q is unset or empty", cfg.BotTokenEnv)
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegramNotifierWithSender(&realSender{b: b}, cfg, reports), nil
}

func newTelegramNotifierWithSender(sender messageSender, cfg wconfig.TelegramConfig, reports wconfig.ReportsConfig) *TelegramNotifier {
	return &TelegramNotifier{
		sender:   sender,
		users:    cfg.NotifyUsers,
		prefix:   reports.TelegramPrefix,
		cooldown: time.Duration(reports.AlertCooldownMins) * time.Minute,
		lastSent: make(map[string]time.Time),
	}
}

// SendAlert notifies every configured user about match, unless an alert
// for the same pattern kind was already sent within the cooldown window.
func (n *TelegramNotifier) SendAlert(ctx context.Context, match types.PatternMatch) error {
	key := string(match.Pattern)
	if last, ok := n.lastSent[key]; ok && time.Since(last) < n.cooldown {
		return nil
	}
	text := fmt.Sprintf("%s[%s] %s: %s", n.prefix, match.Severity, match.Pattern, match.Diagnosis)
	if err := n.broadcast(ctx, text); err != nil {
		return err
	}
	n.lastSent[key] = time.Now()
	return nil
}

// SendFixApplied notifies every configured user that a fix was applied,
// bypassing the alert cooldown since this is a one-time status update.
func (n *TelegramNotifier) SendFixApplied(ctx context.Context, fix types.Fix) error {
	status := "applied"
	if fix.Verified != nil && !*fix.Verified {
		status = "applied but not verified"
	}
	text := fmt.Sprintf("%sfix %s for %s: %s", n.prefix, status, fix.Pattern, fix.Diagnosis)
	return n.broadcast(ctx, text)
}

// SendMessage sends a freeform status update, bypassing the alert cooldown.
func (n *TelegramNotifier) SendMessage(ctx context.Context, text string) error {
	return n.broadcast(ctx, n.prefix+text)
}

// NoopNotifier discards every alert and message. It satisfies Notifier for
// deployments with no Telegram configured, so the supervisor never needs a
// nil check.
type NoopNotifier struct{}

func (NoopNotifier) SendAlert(ctx context.Context, match types.PatternMatch) error { return nil }
func (NoopNotifier) SendFixApplied(ctx context.Context, fix types.Fix) error       { return nil }
func (NoopNotifier) SendMessage(ctx context.Context, text string) error           { return nil }

func (n *TelegramNotifier) broadcast(ctx context.Context, text string) error {
	var firstErr error
	for _, chatID := range n.users {
		_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
