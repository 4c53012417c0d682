package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"capwatch/internal/rebuild"
	"capwatch/internal/traffic"
)

type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

type Rebuilder interface {
	Rebuild(ctx context.Context, serverID int64, serverName, reason string) rebuild.Result
}

// State is the per-server alert memory. LastLevel only ever grows within a
// billing cycle and resets to zero when the counter rolls back; AutoRebuild
// guards at most one automatic rebuild per cycle.
type State struct {
	LastLevel    int
	LastOutgoing *int64
	AutoRebuild  bool
}

// Observation is one fresh counter reading for one server.
type Observation struct {
	ServerID      int64
	Name          string
	OutgoingBytes int64
	LimitBytes    int64
	LimitGB       float64
	Levels        []int
	AutoRebuild   bool
}

// Engine drives the per-server threshold state machine. Each poll feeds it
// the current counter reading; it decides whether a threshold crossing needs
// a notification and whether overage triggers the rebuild workflow.
type Engine struct {
	notify    Notifier
	rebuilder Rebuilder
	log       *slog.Logger

	mu     sync.Mutex
	states map[int64]*State
}

func NewEngine(notify Notifier, rebuilder Rebuilder, logger *slog.Logger) *Engine {
	return &Engine{notify: notify, rebuilder: rebuilder, log: logger, states: make(map[int64]*State)}
}

// Observe runs one state-machine step for a fresh reading. A counter
// decrease is a rollover: the server was rebuilt outside this process, so
// the level and rebuild memory reset. Each configured level notifies at most
// once per cycle; jumping several levels between polls notifies only the
// highest one reached.
func (e *Engine) Observe(ctx context.Context, obs Observation) {
	if obs.LimitBytes <= 0 {
		return
	}

	e.mu.Lock()
	st, ok := e.states[obs.ServerID]
	if !ok {
		st = &State{}
		e.states[obs.ServerID] = st
	}

	if st.LastOutgoing != nil && obs.OutgoingBytes < *st.LastOutgoing {
		e.log.Info("counter rollover observed", "server", obs.Name, "id", obs.ServerID)
		st.LastLevel = 0
		st.AutoRebuild = false
	}
	outgoing := obs.OutgoingBytes
	st.LastOutgoing = &outgoing

	percent := float64(obs.OutgoingBytes) / float64(obs.LimitBytes) * 100
	newLevel := 0
	for _, level := range obs.Levels {
		if percent >= float64(level) && level > newLevel {
			newLevel = level
		}
	}

	if newLevel > st.LastLevel {
		if !e.notify.Enabled() {
			st.LastLevel = newLevel
		} else {
			msg := fmt.Sprintf("[capwatch] %s traffic alert: %d%%\noutbound: %s TB\nlimit: %.0f GB",
				obs.Name, newLevel, traffic.BytesToTB(obs.OutgoingBytes).StringFixed(3), obs.LimitGB)
			if err := e.notify.Send(ctx, msg); err != nil {
				// Level stays put so the alert is retried next poll.
				e.log.Warn("threshold notification failed", "server", obs.Name, "err", err)
			} else {
				st.LastLevel = newLevel
			}
		}
	}

	shouldRebuild := obs.AutoRebuild && obs.OutgoingBytes >= obs.LimitBytes && !st.AutoRebuild
	e.mu.Unlock()
	if !shouldRebuild {
		return
	}

	result := e.rebuilder.Rebuild(ctx, obs.ServerID, obs.Name, "traffic cap exceeded")
	if result.Err != nil {
		e.log.Error("automatic rebuild failed", "server", obs.Name, "err", result.Err)
		return
	}
	if result.Success {
		// Re-fetch: a concurrent Reset may have replaced the entry while the
		// rebuild ran, and the guard belongs to whatever state is current.
		e.mu.Lock()
		if cur, ok := e.states[obs.ServerID]; ok {
			cur.AutoRebuild = true
		}
		e.mu.Unlock()
	}
}

// States returns a copy of the per-server alert memory for status displays.
func (e *Engine) States() map[int64]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int64]State, len(e.states))
	for id, st := range e.states {
		copied := *st
		if st.LastOutgoing != nil {
			v := *st.LastOutgoing
			copied.LastOutgoing = &v
		}
		out[id] = copied
	}
	return out
}

// Reset clears one server's alert memory. Used by manual reset commands.
func (e *Engine) Reset(serverID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, serverID)
}
