package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"capwatch/internal/alerts"
	"capwatch/internal/bot"
	"capwatch/internal/cloudflare"
	"capwatch/internal/config"
	"capwatch/internal/hetzner"
	"capwatch/internal/models"
	"capwatch/internal/notifier"
	"capwatch/internal/rebuild"
	"capwatch/internal/report"
	"capwatch/internal/store"
	"capwatch/internal/traffic"
	"capwatch/internal/web"
)

const (
	snapshotCheckInterval = time.Minute
	reportCheckInterval   = 30 * time.Second
	botIdleInterval       = 3 * time.Second
	janitorInterval       = 6 * time.Hour
	lockMaxIdle           = 7 * 24 * time.Hour
)

type App struct {
	cfg *config.Config
	log *slog.Logger

	store    *store.Store
	provider *hetzner.Client
	dns      *cloudflare.Client
	tg       *notifier.Telegram
	engine   *alerts.Engine
	orch     *rebuild.Orchestrator
	reporter *report.Builder
	bot      *bot.Bot

	httpSrv *http.Server

	lastDailyReport string
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	st := store.New(cfg.StatePath)
	provider := hetzner.NewClient(cfg.Hetzner.APIToken)
	dns := cloudflare.NewClient()
	tg := notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	if cfg.Telegram.Enabled && !tg.Enabled() {
		return nil, fmt.Errorf("telegram enabled but bot_token/chat_id missing")
	}

	orch := rebuild.NewOrchestrator(provider, dns, tg, cfg, logger.With("module", "rebuild"))
	engine := alerts.NewEngine(tg, orch, logger.With("module", "alerts"))
	reporter := report.NewBuilder(provider, cfg)
	b := bot.New(tg, provider, orch, reporter, logger.With("module", "bot"))
	w := web.NewServer(st, provider, orch, engine, cfg, logger.With("module", "web"))

	app := &App{
		cfg:      cfg,
		log:      logger,
		store:    st,
		provider: provider,
		dns:      dns,
		tg:       tg,
		engine:   engine,
		orch:     orch,
		reporter: reporter,
		bot:      b,
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes()}
	return app, nil
}

// Run starts the HTTP server and the polling loops. Each loop owns its own
// cadence and shares only the snapshot store, the alert state, and the
// rebuild locks; none of them blocks on another, and none of them dies on an
// error.
func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	if a.cfg.Cloudflare.SyncOnStart {
		go a.syncDNSRecords(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(ctx, a.cfg.PollInterval(), a.pollTraffic) })
	g.Go(func() error { return a.loop(ctx, snapshotCheckInterval, a.recordSnapshot) })
	g.Go(func() error { return a.loop(ctx, reportCheckInterval, a.maybeDailyReport) })
	g.Go(func() error { return a.loop(ctx, botIdleInterval, a.bot.Poll) })
	g.Go(func() error {
		return a.loop(ctx, janitorInterval, func(context.Context) {
			if n := a.orch.EvictStaleLocks(lockMaxIdle); n > 0 {
				a.log.Info("evicted stale rebuild locks", "count", n)
			}
		})
	})

	err := g.Wait()
	_ = a.httpSrv.Shutdown(context.Background())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	tick(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			tick(ctx)
		}
	}
}

// pollTraffic feeds one fresh reading per server into the alert engine. A
// failed read for one server never stops the others.
func (a *App) pollTraffic(ctx context.Context) {
	limitBytes := a.cfg.LimitBytes()
	if limitBytes <= 0 {
		return
	}
	servers, err := a.provider.ListServers(ctx)
	if err != nil {
		a.log.Warn("traffic poll: list servers", "err", err)
		return
	}
	levels := a.cfg.Levels()
	for _, s := range servers {
		detail, err := a.provider.GetServer(ctx, s.ID)
		if err != nil {
			a.log.Warn("traffic poll: get server", "id", s.ID, "err", err)
			continue
		}
		if detail.OutgoingTraffic == nil {
			continue
		}
		a.engine.Observe(ctx, alerts.Observation{
			ServerID:      s.ID,
			Name:          detail.Name,
			OutgoingBytes: *detail.OutgoingTraffic,
			LimitBytes:    limitBytes,
			LimitGB:       a.cfg.Traffic.LimitGB,
			Levels:        levels,
			AutoRebuild:   a.cfg.RebuildOnOverage(),
		})
	}
}

// recordSnapshot appends the current counters under the current hour key.
// The store skips the provider round-trip when the key already exists, so
// running every minute costs one file read most of the time.
func (a *App) recordSnapshot(ctx context.Context) {
	key := traffic.HourKey(time.Now())
	recorded, err := a.store.Record(key, func() (models.HourSnapshot, error) {
		return a.collectSnapshot(ctx)
	})
	if err != nil {
		a.log.Warn("record snapshot", "key", key, "err", err)
		return
	}
	if recorded {
		a.log.Info("hourly snapshot recorded", "key", key)
	}
}

func (a *App) collectSnapshot(ctx context.Context) (models.HourSnapshot, error) {
	servers, err := a.provider.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	snap := make(models.HourSnapshot, len(servers))
	for _, s := range servers {
		reading := models.Reading{Name: s.Name}
		if detail, err := a.provider.GetServer(ctx, s.ID); err == nil {
			reading.Name = detail.Name
			reading.OutboundBytes = detail.OutgoingTraffic
			reading.InboundBytes = detail.IngoingTraffic
		} else {
			a.log.Warn("snapshot: get server", "id", s.ID, "err", err)
		}
		snap[fmt.Sprintf("%d", s.ID)] = reading
	}
	return snap, nil
}

func (a *App) maybeDailyReport(ctx context.Context) {
	if !a.cfg.Telegram.Enabled || a.cfg.Telegram.DailyReportTime == "" || !a.tg.Enabled() {
		return
	}
	now := time.Now()
	if now.Format("15:04") != a.cfg.Telegram.DailyReportTime {
		return
	}
	date := now.Format("2006-01-02")
	if a.lastDailyReport == date {
		return
	}
	msg, err := a.reporter.Build(ctx)
	if err != nil {
		a.log.Warn("daily report", "err", err)
		return
	}
	if err := a.tg.SendMarkdown(ctx, msg); err != nil {
		a.log.Warn("daily report send", "err", err)
		return
	}
	a.lastDailyReport = date
}

// syncDNSRecords points every mapped record at its server's current address
// once at startup, so a rebuild that happened while the daemon was down still
// converges.
func (a *App) syncDNSRecords(ctx context.Context) {
	if len(a.cfg.Cloudflare.RecordMap) == 0 {
		return
	}
	servers, err := a.provider.ListServers(ctx)
	if err != nil {
		a.log.Warn("dns sync: list servers", "err", err)
		return
	}
	for _, s := range servers {
		rec := a.cfg.ResolveRecord(s.ID, s.Name)
		if rec == nil || s.IP() == "" {
			continue
		}
		if err := a.dns.UpdateARecord(ctx, rec.APIToken, rec.ZoneID, rec.Record, s.IP()); err != nil {
			a.log.Warn("dns sync", "record", rec.Record, "err", err)
		} else {
			a.log.Info("dns record synced", "record", rec.Record, "ip", s.IP())
		}
	}
}
