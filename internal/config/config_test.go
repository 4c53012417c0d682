package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
hetzner:
  api_token: htz-token
traffic:
  limit_gb: 18000
  check_interval: 10
  exceed_action: rebuild
telegram:
  enabled: true
  bot_token: bot-token
  chat_id: "12345"
  notify_levels: [80, 90, 95, 100]
  daily_report_time: "09:00"
cloudflare:
  api_token: cf-token
  zone_id: zone1
  sync_on_start: true
  record_map:
    "101": web.example.com
    db:
      record: db.example.com
      zone_id: zone2
      api_token: cf-token-2
rebuild:
  snapshot_id_map:
    "101": 555
    db: 666
web:
  username: admin
  password: secret
  tracking_start: "2026-08-01 00:00"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "htz-token", cfg.Hetzner.APIToken)
	assert.Equal(t, float64(18000), cfg.Traffic.LimitGB)
	assert.True(t, cfg.RebuildOnOverage())
	assert.Equal(t, 10*time.Minute, cfg.PollInterval())
	assert.Equal(t, "09:00", cfg.Telegram.DailyReportTime)
	assert.True(t, cfg.Cloudflare.SyncOnStart)
	assert.Equal(t, int64(18000)<<30, cfg.LimitBytes())
	assert.Equal(t, "2026-08-01 00:00", cfg.Web.TrackingStart)
	assert.Equal(t, ":8080", cfg.Addr)
}

func TestLoadRequiresProviderToken(t *testing.T) {
	path := writeConfig(t, "traffic:\n  limit_gb: 100\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_token")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HETZNER_API_TOKEN", "env-token")
	t.Setenv("CAPWATCH_ADDR", ":9999")
	t.Setenv("CAPWATCH_STATE_PATH", "/tmp/state.json")

	path := writeConfig(t, "hetzner:\n  api_token: file-token\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Hetzner.APIToken)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "/tmp/state.json", cfg.StatePath)
}

func TestRecordEntryScalarAndObject(t *testing.T) {
	path := writeConfig(t, `
hetzner:
  api_token: tok
cloudflare:
  api_token: cf-token
  zone_id: zone1
  record_map:
    "101": web.example.com
    db:
      record: db.example.com
      zone_id: zone2
      api_token: cf-token-2
    legacy:
      name: legacy.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	web := cfg.ResolveRecord(101, "web")
	require.NotNil(t, web)
	assert.Equal(t, "web.example.com", web.Record)
	assert.Equal(t, "zone1", web.ZoneID, "scalar entries inherit the section zone")
	assert.Equal(t, "cf-token", web.APIToken)

	db := cfg.ResolveRecord(202, "db")
	require.NotNil(t, db)
	assert.Equal(t, "db.example.com", db.Record)
	assert.Equal(t, "zone2", db.ZoneID)
	assert.Equal(t, "cf-token-2", db.APIToken)

	legacy := cfg.ResolveRecord(303, "legacy")
	require.NotNil(t, legacy)
	assert.Equal(t, "legacy.example.com", legacy.Record, "name is accepted as an alias for record")
}

func TestResolveRecordPrefersIDOverName(t *testing.T) {
	cfg := &Config{}
	cfg.Cloudflare.APIToken = "cf"
	cfg.Cloudflare.ZoneID = "zone"
	cfg.Cloudflare.RecordMap = map[string]RecordEntry{
		"101": entry("by-id.example.com"),
		"web": entry("by-name.example.com"),
	}

	rec := cfg.ResolveRecord(101, "web")
	require.NotNil(t, rec)
	assert.Equal(t, "by-id.example.com", rec.Record)

	rec = cfg.ResolveRecord(999, "web")
	require.NotNil(t, rec)
	assert.Equal(t, "by-name.example.com", rec.Record)

	assert.Nil(t, cfg.ResolveRecord(999, "unknown"))
}

func TestResolveRecordIncompleteMappingIsNil(t *testing.T) {
	cfg := &Config{}
	cfg.Cloudflare.RecordMap = map[string]RecordEntry{"web": entry("web.example.com")}
	// No zone or token anywhere: the mapping is unusable.
	assert.Nil(t, cfg.ResolveRecord(1, "web"))
}

func TestLevelsNormalization(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, []int{80, 90, 95, 100}, cfg.Levels(), "unset falls back to defaults")

	cfg.Telegram.NotifyLevels = []int{95, 80, 95, -5, 0, 120}
	assert.Equal(t, []int{80, 95, 120}, cfg.Levels())

	cfg.Telegram.NotifyLevels = []int{0, -1}
	assert.Equal(t, []int{80, 90, 95, 100}, cfg.Levels(), "nothing valid falls back to defaults")
}

func TestPollIntervalFloor(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5*time.Minute, cfg.PollInterval())

	cfg.Traffic.CheckInterval = 1
	assert.Equal(t, time.Minute, cfg.PollInterval())

	cfg.Traffic.CheckInterval = -3
	assert.Equal(t, 5*time.Minute, cfg.PollInterval())
}

func TestSnapshotOverride(t *testing.T) {
	cfg := &Config{}
	cfg.Rebuild.SnapshotIDMap = map[string]int64{"101": 555, "db": 666}

	id, ok := cfg.SnapshotOverride(101, "web")
	assert.True(t, ok)
	assert.Equal(t, int64(555), id)

	id, ok = cfg.SnapshotOverride(202, "db")
	assert.True(t, ok)
	assert.Equal(t, int64(666), id)

	_, ok = cfg.SnapshotOverride(303, "other")
	assert.False(t, ok)
}

func TestLimitBytesZeroMeansUncapped(t *testing.T) {
	cfg := &Config{}
	assert.Zero(t, cfg.LimitBytes())
	cfg.Traffic.LimitGB = 0.5
	assert.Equal(t, int64(1)<<29, cfg.LimitBytes())
}

func TestRebuildOnOverage(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.RebuildOnOverage())
	cfg.Traffic.ExceedAction = " rebuild "
	assert.True(t, cfg.RebuildOnOverage())
	cfg.Traffic.ExceedAction = "notify"
	assert.False(t, cfg.RebuildOnOverage())
}

func entry(record string) RecordEntry {
	var e RecordEntry
	e.Record = record
	return e
}
