package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"capwatch/internal/alerts"
	"capwatch/internal/config"
	"capwatch/internal/hetzner"
	"capwatch/internal/rebuild"
	"capwatch/internal/store"
	"capwatch/internal/traffic"
)

type Provider interface {
	ListServers(ctx context.Context) ([]hetzner.Server, error)
	GetServer(ctx context.Context, id int64) (*hetzner.Server, error)
}

type Rebuilder interface {
	Rebuild(ctx context.Context, serverID int64, serverName, reason string) rebuild.Result
	LockHeld(serverID int64) bool
}

// Server is the JSON dashboard API. All business logic lives in the packages
// it calls; handlers only shape requests and responses.
type Server struct {
	store     *store.Store
	provider  Provider
	rebuilder Rebuilder
	engine    *alerts.Engine
	cfg       *config.Config
	log       *slog.Logger
	now       func() time.Time
	resolver  *net.Resolver
}

func NewServer(st *store.Store, provider Provider, rebuilder Rebuilder, engine *alerts.Engine, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		provider:  provider,
		rebuilder: rebuilder,
		engine:    engine,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		resolver:  net.DefaultResolver,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/hourly", s.handleHourly)
	mux.HandleFunc("/api/daily", s.handleDaily)
	mux.HandleFunc("/api/cycle", s.handleCycle)
	mux.HandleFunc("/api/rebuild", s.handleRebuild)
	mux.HandleFunc("/api/dns_check", s.handleDNSCheck)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/alerts/reset", s.handleAlertsReset)

	authed := basicAuth(mux, s.cfg.Web.Username, s.cfg.Web.Password)
	outer := http.NewServeMux()
	outer.Handle("/api/", authed)
	outer.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return logMiddleware(outer, s.log)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	servers, err := s.provider.ListServers(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	rows := make([]map[string]any, 0, len(servers))
	for _, srv := range servers {
		detail, err := s.provider.GetServer(ctx, srv.ID)
		if err != nil {
			detail = &srv
		}
		outTB, inTB := "0.000", "0.000"
		if detail.OutgoingTraffic != nil {
			outTB = traffic.BytesToTB(*detail.OutgoingTraffic).StringFixed(3)
		}
		if detail.IngoingTraffic != nil {
			inTB = traffic.BytesToTB(*detail.IngoingTraffic).StringFixed(3)
		}
		rows = append(rows, map[string]any{
			"id":             srv.ID,
			"name":           srv.Name,
			"status":         srv.Status,
			"ip":             srv.IP(),
			"server_type":    srv.ServerType.Name,
			"location":       srv.Datacenter.Location.Name,
			"outbound_tb":    outTB,
			"inbound_tb":     inTB,
			"outbound_bytes": detail.OutgoingTraffic,
			"inbound_bytes":  detail.IngoingTraffic,
		})
	}

	series, err := s.store.Load()
	if err != nil {
		s.log.Warn("load state", "err", err)
		series = nil
	}
	trackingStart := r.URL.Query().Get("start")
	if trackingStart == "" {
		trackingStart = s.cfg.Web.TrackingStart
	}
	tracking := traffic.TrackingTotals(traffic.MergeSeriesByName(series), trackingStart)
	rollovers := traffic.LastRollovers(series)

	var limitTB *string
	if s.cfg.Traffic.LimitGB > 0 {
		v := decimal.NewFromFloat(s.cfg.Traffic.LimitGB).DivRound(decimal.NewFromInt(1024), 3).StringFixed(3)
		limitTB = &v
	}
	writeJSON(w, map[string]any{
		"servers":    rows,
		"updated_at": s.now().Format("2006-01-02 15:04:05"),
		"tracking": map[string]string{
			"start":       tracking.Start,
			"outbound_tb": tracking.Outbound.StringFixed(3),
			"inbound_tb":  tracking.Inbound.StringFixed(3),
		},
		"traffic": map[string]any{
			"limit_gb": s.cfg.Traffic.LimitGB,
			"limit_tb": limitTB,
		},
		"rebuilds": rollovers,
	})
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	keys := traffic.SortedKeys(series)

	if date := r.URL.Query().Get("date"); date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			http.Error(w, "invalid date format", http.StatusBadRequest)
			return
		}
		var selected []string
		prevOf := make(map[string]string)
		for i, k := range keys {
			if i > 0 {
				prevOf[k] = keys[i-1]
			}
			if strings.HasPrefix(k, date) {
				selected = append(selected, k)
			}
		}
		rows := make(map[string]map[string]any)
		for _, curr := range selected {
			var prev string
			if p, ok := prevOf[curr]; ok {
				prev = p
			}
			appendHourDeltas(rows, traffic.DeltaByName(series[prev], series[curr]), curr, selected)
		}
		writeJSON(w, map[string]any{"servers": rows, "hours": selected})
		return
	}

	if len(keys) > 25 {
		keys = keys[len(keys)-25:]
	}
	hours := []string{}
	rows := make(map[string]map[string]any)
	for i := 1; i < len(keys); i++ {
		hours = append(hours, keys[i])
	}
	for i := 1; i < len(keys); i++ {
		appendHourDeltas(rows, traffic.DeltaByName(series[keys[i-1]], series[keys[i]]), keys[i], hours)
	}
	writeJSON(w, map[string]any{"servers": rows, "hours": hours})
}

// appendHourDeltas keeps every row aligned to the hour list: a server with no
// delta for an hour gets explicit nulls.
func appendHourDeltas(rows map[string]map[string]any, deltas map[string]traffic.Delta, hour string, hours []string) {
	for name := range deltas {
		if _, ok := rows[name]; !ok {
			backfill := make([]map[string]any, 0, len(hours))
			for _, h := range hours {
				if h == hour {
					break
				}
				backfill = append(backfill, map[string]any{"hour": h, "tb": nil, "in_tb": nil})
			}
			rows[name] = map[string]any{"name": name, "deltas": backfill}
		}
	}
	for name, row := range rows {
		var tb, inTB any
		if d, ok := deltas[name]; ok {
			if d.HasOut {
				tb = traffic.QuantizeTB(d.Out).StringFixed(3)
			}
			if d.HasIn {
				inTB = traffic.QuantizeTB(d.In).StringFixed(3)
			}
		}
		row["deltas"] = append(row["deltas"].([]map[string]any), map[string]any{"hour": hour, "tb": tb, "in_tb": inTB})
	}
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	days, perServer := traffic.DailyTotals(series)

	dayKeys := make([]string, 0, len(days))
	for d := range days {
		dayKeys = append(dayKeys, d)
	}
	sort.Strings(dayKeys)
	if len(dayKeys) > 35 {
		dayKeys = dayKeys[len(dayKeys)-35:]
	}

	rows := make([]map[string]string, 0, len(dayKeys))
	peak, total := decimal.Decimal{}, decimal.Decimal{}
	inPeak, inTotal := decimal.Decimal{}, decimal.Decimal{}
	for _, d := range dayKeys {
		day := days[d]
		rows = append(rows, map[string]string{
			"date":        d,
			"outbound_tb": day.Outbound.StringFixed(3),
			"inbound_tb":  day.Inbound.StringFixed(3),
		})
		if day.Outbound.GreaterThan(peak) {
			peak = day.Outbound
		}
		if day.Inbound.GreaterThan(inPeak) {
			inPeak = day.Inbound
		}
		total = total.Add(day.Outbound)
		inTotal = inTotal.Add(day.Inbound)
	}

	names := make([]string, 0, len(perServer))
	for name := range perServer {
		names = append(names, name)
	}
	sort.Strings(names)
	serverRows := make([]map[string]any, 0, len(names))
	for _, name := range names {
		var dayRows []map[string]string
		for _, d := range dayKeys {
			row := perServer[name][d]
			dayRows = append(dayRows, map[string]string{
				"date":        d,
				"outbound_tb": row.Outbound.StringFixed(3),
				"inbound_tb":  row.Inbound.StringFixed(3),
			})
		}
		serverRows = append(serverRows, map[string]any{"id": name, "name": name, "days": dayRows})
	}

	writeJSON(w, map[string]any{
		"days":     rows,
		"peak":     traffic.QuantizeTB(peak).StringFixed(3),
		"total":    traffic.QuantizeTB(total).StringFixed(3),
		"in_peak":  traffic.QuantizeTB(inPeak).StringFixed(3),
		"in_total": traffic.QuantizeTB(inTotal).StringFixed(3),
		"servers":  serverRows,
	})
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	includeIDs := map[string]bool(nil)
	nameOverrides := map[string]string{}
	if servers, err := s.provider.ListServers(r.Context()); err == nil {
		includeIDs = make(map[string]bool, len(servers))
		for _, srv := range servers {
			id := strconv.FormatInt(srv.ID, 10)
			includeIDs[id] = true
			nameOverrides[id] = srv.Name
		}
	}

	cycles := traffic.CycleSeries(series, includeIDs, nameOverrides)
	out := make(map[string]any, len(cycles))
	for id, cycle := range cycles {
		points := make([]map[string]any, 0, len(cycle.Points))
		for _, p := range cycle.Points {
			var hour any
			if p.HourOfDay >= 0 {
				hour = p.HourOfDay
			}
			points = append(points, map[string]any{
				"time":             p.Time,
				"out_tb_h":         p.OutTB.StringFixed(3),
				"cycle_out_cum_tb": p.CycleOutTB.StringFixed(3),
				"cycle_age_h":      p.AgeHours,
				"hour_of_day":      hour,
			})
		}
		out[id] = map[string]any{"name": cycle.Name, "points": points, "rebuilds": cycle.Rebuilds}
	}
	writeJSON(w, map[string]any{"servers": out})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ServerID int64 `json:"server_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ServerID == 0 {
		http.Error(w, "server_id required", http.StatusBadRequest)
		return
	}
	name := strconv.FormatInt(payload.ServerID, 10)
	if srv, err := s.provider.GetServer(r.Context(), payload.ServerID); err == nil {
		name = srv.Name
	}
	result := s.rebuilder.Rebuild(r.Context(), payload.ServerID, name, "dashboard")
	status := http.StatusOK
	var errText any
	if result.Err != nil {
		status = http.StatusInternalServerError
		errText = result.Err.Error()
	}
	var dns any
	if result.DNS != nil && result.DNS.Attempted {
		var dnsErr any
		if result.DNS.Err != nil {
			dnsErr = result.DNS.Err.Error()
		}
		dns = map[string]any{"record": result.DNS.Record, "success": result.DNS.Err == nil, "error": dnsErr}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":       result.Success,
		"new_server_id": result.NewServerID,
		"new_ip":        result.NewIP,
		"dns":           dns,
		"error":         errText,
	})
}

func (s *Server) handleDNSCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ServerID int64 `json:"server_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	servers, err := s.provider.ListServers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	results := []map[string]any{}
	for _, srv := range servers {
		if payload.ServerID != 0 && srv.ID != payload.ServerID {
			continue
		}
		rec := s.cfg.ResolveRecord(srv.ID, srv.Name)
		ip := srv.IP()
		if rec == nil || ip == "" {
			results = append(results, map[string]any{"id": srv.ID, "status": "missing"})
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		addrs, err := s.resolver.LookupHost(ctx, rec.Record)
		cancel()
		if err != nil || len(addrs) == 0 {
			results = append(results, map[string]any{"id": srv.ID, "record": rec.Record, "error": errString(err)})
			continue
		}
		results = append(results, map[string]any{
			"id":       srv.ID,
			"record":   rec.Record,
			"resolved": addrs[0],
			"expected": ip,
			"ok":       addrs[0] == ip,
		})
	}
	writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	states := s.engine.States()
	out := make(map[string]any, len(states))
	for id, st := range states {
		out[strconv.FormatInt(id, 10)] = map[string]any{
			"last_level":    st.LastLevel,
			"last_outgoing": st.LastOutgoing,
			"auto_rebuild":  st.AutoRebuild,
			"rebuild_held":  s.rebuilder.LockHeld(id),
		}
	}
	writeJSON(w, map[string]any{"states": out})
}

func (s *Server) handleAlertsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ServerID int64 `json:"server_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ServerID == 0 {
		http.Error(w, "server_id required", http.StatusBadRequest)
		return
	}
	s.engine.Reset(payload.ServerID)
	writeJSON(w, map[string]any{"reset": payload.ServerID})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) any {
	if err == nil {
		return "no addresses"
	}
	return err.Error()
}
