package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"capwatch/internal/config"
	"capwatch/internal/hetzner"
	"capwatch/internal/traffic"
)

type Provider interface {
	ListServers(ctx context.Context) ([]hetzner.Server, error)
	GetServer(ctx context.Context, id int64) (*hetzner.Server, error)
	GetServerMetrics(ctx context.Context, id int64, start, end time.Time) (*hetzner.Metrics, error)
}

// Builder renders the daily traffic report sent to the notification channel
// and returned by the /status bot command.
type Builder struct {
	provider Provider
	cfg      *config.Config
	now      func() time.Time
}

func NewBuilder(provider Provider, cfg *config.Config) *Builder {
	return &Builder{provider: provider, cfg: cfg, now: time.Now}
}

// Build fetches every server's cumulative counters plus today's usage from
// the provider metrics series. A failed per-server read produces a failure
// row, never aborts the whole report.
func (b *Builder) Build(ctx context.Context) (string, error) {
	servers, err := b.provider.ListServers(ctx)
	if err != nil {
		return "", fmt.Errorf("list servers: %w", err)
	}
	now := b.now()
	limitBytes := b.cfg.LimitBytes()

	lines := []string{fmt.Sprintf("*Daily traffic report (%s)*", now.Format("2006-01-02"))}
	for _, s := range servers {
		detail, err := b.provider.GetServer(ctx, s.ID)
		if err != nil || detail.OutgoingTraffic == nil || detail.IngoingTraffic == nil {
			lines = append(lines, fmt.Sprintf("----------\n`%s`\nfetch failed", s.Name))
			continue
		}
		outTB := traffic.BytesToTB(*detail.OutgoingTraffic)
		inTB := traffic.BytesToTB(*detail.IngoingTraffic)
		percentText := ""
		if limitBytes > 0 {
			percentText = fmt.Sprintf(" (%.2f%%)", float64(*detail.OutgoingTraffic)/float64(limitBytes)*100)
		}
		todayOut, todayIn := b.todayUsage(ctx, s.ID, now)
		lines = append(lines, fmt.Sprintf(
			"----------\n`%s`\nout: `%s TB`%s\nin: `%s TB`\ntoday: up `%.2f GB` | down `%.2f GB`",
			detail.Name, outTB.StringFixed(3), percentText, inTB.StringFixed(3),
			todayOut/(1<<30), todayIn/(1<<30)))
	}
	return strings.Join(lines, "\n"), nil
}

func (b *Builder) todayUsage(ctx context.Context, id int64, now time.Time) (outBytes, inBytes float64) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	m, err := b.provider.GetServerMetrics(ctx, id, start, now)
	if err != nil {
		return 0, 0
	}
	return IntegrateSeries(m.Out), IntegrateSeries(m.In)
}

// IntegrateSeries turns a rate series (bytes per second) into a byte total by
// summing value * interval over consecutive samples.
func IntegrateSeries(points []hetzner.MetricPoint) float64 {
	if len(points) < 2 {
		return 0
	}
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		dt := points[i+1].Time.Sub(points[i].Time).Seconds()
		if dt <= 0 {
			continue
		}
		total += points[i].Value * dt
	}
	return total
}
