package models

// Reading is one server's cumulative traffic counters at snapshot time.
// Nil counters mean the provider read failed for that direction; they are
// never treated as zero.
type Reading struct {
	Name          string `json:"name"`
	OutboundBytes *int64 `json:"outbound_bytes"`
	InboundBytes  *int64 `json:"inbound_bytes"`
}

// HourSnapshot maps a server id to its reading for one hour key.
type HourSnapshot map[string]Reading

// Series maps hour keys ("2006-01-02 15:00") to snapshots. Keys sort
// lexicographically in time order.
type Series map[string]HourSnapshot

// DNSRecord is the normalized form of a Cloudflare record mapping. Config
// entries may be a bare record name or a structured object; by the time the
// core sees one it is always this shape with every field populated.
type DNSRecord struct {
	Record   string `yaml:"record"`
	ZoneID   string `yaml:"zone_id"`
	APIToken string `yaml:"api_token"`
}
