package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"capwatch/internal/models"
)

// DefaultLevels are the alert thresholds used when notify_levels is unset or
// contains nothing usable.
var DefaultLevels = []int{80, 90, 95, 100}

type Hetzner struct {
	APIToken string `yaml:"api_token"`
}

type Traffic struct {
	LimitGB       float64 `yaml:"limit_gb"`
	CheckInterval int     `yaml:"check_interval"` // minutes
	ExceedAction  string  `yaml:"exceed_action"`  // "rebuild" or empty
}

type Telegram struct {
	Enabled         bool   `yaml:"enabled"`
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	NotifyLevels    []int  `yaml:"notify_levels"`
	DailyReportTime string `yaml:"daily_report_time"` // "HH:MM" local, empty disables
}

type Cloudflare struct {
	APIToken    string                 `yaml:"api_token"`
	ZoneID      string                 `yaml:"zone_id"`
	SyncOnStart bool                   `yaml:"sync_on_start"`
	RecordMap   map[string]RecordEntry `yaml:"record_map"` // keyed by server id or name
}

type Rebuild struct {
	SnapshotIDMap map[string]int64 `yaml:"snapshot_id_map"` // keyed by server id or name
}

type Web struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TrackingStart anchors the dashboard's "usage since" totals at an hour
	// key ("2006-01-02 15:00"). Empty means since the series start.
	TrackingStart string `yaml:"tracking_start"`
}

type Config struct {
	Hetzner    Hetzner    `yaml:"hetzner"`
	Traffic    Traffic    `yaml:"traffic"`
	Telegram   Telegram   `yaml:"telegram"`
	Cloudflare Cloudflare `yaml:"cloudflare"`
	Rebuild    Rebuild    `yaml:"rebuild"`
	Web        Web        `yaml:"web"`

	Addr      string `yaml:"-"`
	StatePath string `yaml:"-"`
}

// RecordEntry tolerates the two shapes a record_map value may take: a bare
// record name string, or an object with record/zone_id/api_token fields.
type RecordEntry struct {
	models.DNSRecord
}

func (r *RecordEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Record = value.Value
		return nil
	}
	var raw struct {
		Record   string `yaml:"record"`
		Name     string `yaml:"name"`
		ZoneID   string `yaml:"zone_id"`
		APIToken string `yaml:"api_token"`
	}
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("record_map entry: %w", err)
	}
	r.Record = raw.Record
	if r.Record == "" {
		r.Record = raw.Name
	}
	r.ZoneID = raw.ZoneID
	r.APIToken = raw.APIToken
	return nil
}

// Load reads the YAML config file and applies environment overrides. A
// missing file is an error: the daemon cannot do anything without a provider
// token.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Addr = getenv("CAPWATCH_ADDR", ":8080")
	cfg.StatePath = getenv("CAPWATCH_STATE_PATH", "./data/report_state.json")
	if v := os.Getenv("HETZNER_API_TOKEN"); v != "" {
		cfg.Hetzner.APIToken = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}

	if cfg.Hetzner.APIToken == "" {
		return nil, fmt.Errorf("hetzner.api_token is required")
	}
	return &cfg, nil
}

// Path returns the config file location, overridable via CAPWATCH_CONFIG_PATH.
func Path() string {
	return getenv("CAPWATCH_CONFIG_PATH", "/etc/capwatch/config.yaml")
}

// LimitBytes converts traffic.limit_gb to bytes. Zero means no cap configured.
func (c *Config) LimitBytes() int64 {
	if c.Traffic.LimitGB <= 0 {
		return 0
	}
	return int64(c.Traffic.LimitGB * (1 << 30))
}

// Levels returns the configured alert thresholds: non-positive entries
// discarded, duplicates collapsed, ascending order. Falls back to
// DefaultLevels when nothing valid remains.
func (c *Config) Levels() []int {
	seen := map[int]bool{}
	var levels []int
	for _, l := range c.Telegram.NotifyLevels {
		if l <= 0 || seen[l] {
			continue
		}
		seen[l] = true
		levels = append(levels, l)
	}
	if len(levels) == 0 {
		return append([]int(nil), DefaultLevels...)
	}
	sort.Ints(levels)
	return levels
}

// PollInterval is the traffic check cadence, floored at 30 seconds.
func (c *Config) PollInterval() time.Duration {
	minutes := c.Traffic.CheckInterval
	if minutes <= 0 {
		minutes = 5
	}
	d := time.Duration(minutes) * time.Minute
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// ResolveRecord looks up the DNS record mapping for a server by id, then by
// name, and fills zone/token fallbacks from the cloudflare section. Returns
// nil when no complete mapping exists.
func (c *Config) ResolveRecord(id int64, name string) *models.DNSRecord {
	entry, ok := c.Cloudflare.RecordMap[strconv.FormatInt(id, 10)]
	if !ok {
		entry, ok = c.Cloudflare.RecordMap[name]
	}
	if !ok {
		return nil
	}
	rec := entry.DNSRecord
	if rec.ZoneID == "" {
		rec.ZoneID = c.Cloudflare.ZoneID
	}
	if rec.APIToken == "" {
		rec.APIToken = c.Cloudflare.APIToken
	}
	if rec.Record == "" || rec.ZoneID == "" || rec.APIToken == "" {
		return nil
	}
	return &rec
}

// SnapshotOverride returns the pinned image id for a server, by id then name.
func (c *Config) SnapshotOverride(id int64, name string) (int64, bool) {
	if v, ok := c.Rebuild.SnapshotIDMap[strconv.FormatInt(id, 10)]; ok {
		return v, true
	}
	v, ok := c.Rebuild.SnapshotIDMap[name]
	return v, ok
}

// RebuildOnOverage reports whether the overage policy destroys and recreates
// the server.
func (c *Config) RebuildOnOverage() bool {
	return strings.TrimSpace(c.Traffic.ExceedAction) == "rebuild"
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
