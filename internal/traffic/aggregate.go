package traffic

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"capwatch/internal/models"
)

// HourKeyLayout is the snapshot key format. Keys are hour-aligned and sort
// lexicographically in time order.
const HourKeyLayout = "2006-01-02 15:04"

// HourKey formats t as a snapshot key with the minutes zeroed. Formatting
// instead of truncating keeps keys hour-aligned even in zones with a
// non-whole-hour UTC offset.
func HourKey(t time.Time) string {
	return t.Format("2006-01-02 15:00")
}

var tbBytes = decimal.NewFromInt(1 << 40)

// BytesToTB converts a byte count to terabytes at 3 decimal places, rounding
// half up.
func BytesToTB(b int64) decimal.Decimal {
	return decimal.NewFromInt(b).DivRound(tbBytes, 3)
}

// QuantizeTB fixes a running total back to 3 decimal places.
func QuantizeTB(d decimal.Decimal) decimal.Decimal {
	return d.Round(3)
}

// Delta is a per-name pairwise delta in TB. A direction is present only when
// both endpoint readings exist and the later one is >= the earlier; a
// decrease is a rollover and contributes nothing.
type Delta struct {
	Out    decimal.Decimal
	In     decimal.Decimal
	HasOut bool
	HasIn  bool
}

// DeltaByName computes pairwise deltas between two snapshots, aggregated by
// server name rather than id. A rebuild changes the id but not the name, so
// name keying is what lets a series survive identity churn.
func DeltaByName(prev, curr models.HourSnapshot) map[string]Delta {
	out := make(map[string]Delta)
	for id, data := range curr {
		prevData, hadPrev := prev[id]
		name := data.Name
		if name == "" && hadPrev {
			name = prevData.Name
		}
		if name == "" {
			name = id
		}
		entry := out[name]
		if d, ok := directionDelta(prevData.OutboundBytes, data.OutboundBytes); ok {
			entry.Out = entry.Out.Add(d)
			entry.HasOut = true
		}
		if d, ok := directionDelta(prevData.InboundBytes, data.InboundBytes); ok {
			entry.In = entry.In.Add(d)
			entry.HasIn = true
		}
		out[name] = entry
	}
	return out
}

func directionDelta(prev, curr *int64) (decimal.Decimal, bool) {
	if prev == nil || curr == nil || *curr < *prev {
		return decimal.Decimal{}, false
	}
	return BytesToTB(*curr - *prev), true
}

// SortedKeys returns the series hour keys in time order.
func SortedKeys(series models.Series) []string {
	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DayTotals is one day's traffic in TB.
type DayTotals struct {
	Outbound decimal.Decimal
	Inbound  decimal.Decimal
}

// DailyTotals buckets every pairwise delta by the date of the later
// timestamp, returning per-day totals and a per-server-name breakdown. All
// arithmetic is fixed-point; results are quantized to 3 decimal places.
func DailyTotals(series models.Series) (map[string]DayTotals, map[string]map[string]DayTotals) {
	keys := SortedKeys(series)
	days := make(map[string]DayTotals)
	perServer := make(map[string]map[string]DayTotals)
	for i := 1; i < len(keys); i++ {
		date := dateOf(keys[i])
		if date == "" {
			continue
		}
		for name, d := range DeltaByName(series[keys[i-1]], series[keys[i]]) {
			if !d.HasOut && !d.HasIn {
				continue
			}
			day := days[date]
			srv, ok := perServer[name]
			if !ok {
				srv = make(map[string]DayTotals)
				perServer[name] = srv
			}
			row := srv[date]
			if d.HasOut {
				day.Outbound = day.Outbound.Add(d.Out)
				row.Outbound = row.Outbound.Add(d.Out)
			}
			if d.HasIn {
				day.Inbound = day.Inbound.Add(d.In)
				row.Inbound = row.Inbound.Add(d.In)
			}
			days[date] = day
			srv[date] = row
		}
	}
	for date, day := range days {
		days[date] = DayTotals{Outbound: QuantizeTB(day.Outbound), Inbound: QuantizeTB(day.Inbound)}
	}
	for _, srv := range perServer {
		for date, row := range srv {
			srv[date] = DayTotals{Outbound: QuantizeTB(row.Outbound), Inbound: QuantizeTB(row.Inbound)}
		}
	}
	return days, perServer
}

func dateOf(hourKey string) string {
	if i := strings.IndexByte(hourKey, ' '); i > 0 {
		return hourKey[:i]
	}
	return ""
}

// Tracking is the cumulative usage since a start key.
type Tracking struct {
	Start    string
	Outbound decimal.Decimal
	Inbound  decimal.Decimal
}

// TrackingTotals sums all pairwise deltas from startKey (or the series start
// when empty) to the end. A startKey newer than all data yields zero totals
// anchored at that key.
func TrackingTotals(series models.Series, startKey string) Tracking {
	keys := SortedKeys(series)
	if len(keys) == 0 {
		return Tracking{Start: startKey}
	}
	startIdx := 0
	start := keys[0]
	if startKey != "" {
		startIdx = -1
		for i, k := range keys {
			if k >= startKey {
				startIdx = i
				start = startKey
				break
			}
		}
		if startIdx < 0 {
			return Tracking{Start: startKey}
		}
	}
	t := Tracking{Start: start}
	for i := startIdx + 1; i < len(keys); i++ {
		for _, d := range DeltaByName(series[keys[i-1]], series[keys[i]]) {
			if d.HasOut {
				t.Outbound = t.Outbound.Add(d.Out)
			}
			if d.HasIn {
				t.Inbound = t.Inbound.Add(d.In)
			}
		}
	}
	t.Outbound = QuantizeTB(t.Outbound)
	t.Inbound = QuantizeTB(t.Inbound)
	return t
}

// CyclePoint is one hour-pair observation inside a billing cycle.
type CyclePoint struct {
	Time       string
	OutTB      decimal.Decimal
	CycleOutTB decimal.Decimal
	AgeHours   int
	HourOfDay  int // -1 when the key does not parse
}

// ServerCycle is the reset-delimited cycle view for one server.
type ServerCycle struct {
	Name     string
	Points   []CyclePoint
	Rebuilds []string
}

// CycleSeries walks the series once per server, accumulating outbound usage
// and resetting the cumulative and age counters at each rollover. includeIDs
// filters the output when non-nil; nameOverrides wins over snapshot names.
func CycleSeries(series models.Series, includeIDs map[string]bool, nameOverrides map[string]string) map[string]ServerCycle {
	keys := SortedKeys(series)
	if len(keys) < 2 {
		return map[string]ServerCycle{}
	}

	ids := make(map[string]bool)
	for _, snap := range series {
		for id := range snap {
			if includeIDs == nil || includeIDs[id] {
				ids[id] = true
			}
		}
	}

	out := make(map[string]ServerCycle, len(ids))
	for id := range ids {
		cum := decimal.Decimal{}
		age := 0
		name := nameOverrides[id]
		var points []CyclePoint
		var rebuilds []string

		for i := 1; i < len(keys); i++ {
			prev, hasPrev := series[keys[i-1]][id]
			curr, hasCurr := series[keys[i]][id]
			if hasCurr && name == "" {
				name = curr.Name
			}

			if hasPrev && hasCurr && prev.OutboundBytes != nil && curr.OutboundBytes != nil &&
				*curr.OutboundBytes < *prev.OutboundBytes {
				cum = decimal.Decimal{}
				age = 0
				rebuilds = append(rebuilds, keys[i])
			}

			hourly := decimal.Decimal{}
			if hasPrev && hasCurr {
				if d, ok := directionDelta(prev.OutboundBytes, curr.OutboundBytes); ok {
					hourly = d
				}
			}
			cum = QuantizeTB(cum.Add(hourly))
			points = append(points, CyclePoint{
				Time:       keys[i],
				OutTB:      QuantizeTB(hourly),
				CycleOutTB: cum,
				AgeHours:   age,
				HourOfDay:  hourOf(keys[i]),
			})
			age++
		}
		if len(points) > 0 {
			if name == "" {
				name = id
			}
			out[id] = ServerCycle{Name: name, Points: points, Rebuilds: rebuilds}
		}
	}
	return out
}

func hourOf(hourKey string) int {
	t, err := time.Parse(HourKeyLayout, hourKey)
	if err != nil {
		return -1
	}
	return t.Hour()
}

// LastRollovers scans the series once and returns, per server id, the latest
// hour key at which the outbound counter decreased.
func LastRollovers(series models.Series) map[string]string {
	keys := SortedKeys(series)
	last := make(map[string]string)
	prevOut := make(map[string]int64)
	for _, key := range keys {
		for id, data := range series[key] {
			if data.OutboundBytes == nil {
				continue
			}
			if prev, ok := prevOut[id]; ok && *data.OutboundBytes < prev {
				last[id] = key
			}
			prevOut[id] = *data.OutboundBytes
		}
	}
	return last
}

// MergeByName re-keys a snapshot by server name, summing counters when
// several ids share one name. Absent counters stay absent unless at least one
// id has a reading.
func MergeByName(snap models.HourSnapshot) models.HourSnapshot {
	merged := make(models.HourSnapshot)
	for id, data := range snap {
		name := data.Name
		if name == "" {
			name = id
		}
		entry, ok := merged[name]
		if !ok {
			entry = models.Reading{Name: name}
		}
		entry.OutboundBytes = sumOptional(entry.OutboundBytes, data.OutboundBytes)
		entry.InboundBytes = sumOptional(entry.InboundBytes, data.InboundBytes)
		merged[name] = entry
	}
	return merged
}

// MergeSeriesByName applies MergeByName to every snapshot in the series.
func MergeSeriesByName(series models.Series) models.Series {
	merged := make(models.Series, len(series))
	for key, snap := range series {
		merged[key] = MergeByName(snap)
	}
	return merged
}

func sumOptional(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	sum := *a + *b
	return &sum
}
