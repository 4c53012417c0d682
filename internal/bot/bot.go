package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"capwatch/internal/hetzner"
	"capwatch/internal/notifier"
	"capwatch/internal/rebuild"
	"capwatch/internal/report"
)

type Provider interface {
	ListServers(ctx context.Context) ([]hetzner.Server, error)
}

type Rebuilder interface {
	Rebuild(ctx context.Context, serverID int64, serverName, reason string) rebuild.Result
}

// Bot handles Telegram commands over getUpdates long polling. Only messages
// from the configured chat are acted on.
type Bot struct {
	tg       *notifier.Telegram
	provider Provider
	rebuild  Rebuilder
	report   *report.Builder
	log      *slog.Logger

	offset int64
}

func New(tg *notifier.Telegram, provider Provider, rebuilder Rebuilder, reporter *report.Builder, logger *slog.Logger) *Bot {
	return &Bot{tg: tg, provider: provider, rebuild: rebuilder, report: reporter, log: logger}
}

// Poll fetches one batch of updates and replies to each command. Errors are
// logged, not returned; the loop cadence handles retry.
func (b *Bot) Poll(ctx context.Context) {
	if !b.tg.Enabled() {
		return
	}
	updates, err := b.tg.GetUpdates(ctx, b.offset)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.log.Warn("bot poll failed", "err", err)
		}
		return
	}
	for _, u := range updates {
		b.offset = u.UpdateID + 1
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		if strconv.FormatInt(u.Message.Chat.ID, 10) != b.tg.ChatID {
			continue
		}
		reply := b.handle(ctx, u.Message.Text)
		if err := b.tg.SendMarkdown(ctx, reply); err != nil {
			b.log.Warn("bot reply failed", "err", err)
		}
	}
}

func (b *Bot) handle(ctx context.Context, text string) string {
	cmd := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(cmd, "/start"), strings.HasPrefix(cmd, "/help"):
		return "monitor running\n/status or /ll for the traffic report\n/rebuild <name> to rebuild a server"
	case strings.HasPrefix(cmd, "/ll"), strings.HasPrefix(cmd, "/status"):
		msg, err := b.report.Build(ctx)
		if err != nil {
			return fmt.Sprintf("report failed: %v", err)
		}
		return msg
	case strings.HasPrefix(cmd, "/rebuild"):
		return b.handleRebuild(ctx, cmd)
	}
	return "unknown command"
}

func (b *Bot) handleRebuild(ctx context.Context, cmd string) string {
	parts := strings.SplitN(cmd, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return "usage: /rebuild <server name>"
	}
	name := strings.TrimSpace(parts[1])
	servers, err := b.provider.ListServers(ctx)
	if err != nil {
		return fmt.Sprintf("list servers failed: %v", err)
	}
	for _, s := range servers {
		if s.Name != name {
			continue
		}
		result := b.rebuild.Rebuild(ctx, s.ID, name, "telegram command")
		if result.Err != nil {
			return fmt.Sprintf("rebuild failed: %v", result.Err)
		}
		return fmt.Sprintf("rebuild of %s triggered, new IP `%s`", name, result.NewIP)
	}
	return "no server with that name"
}
