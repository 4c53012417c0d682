package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"capwatch/internal/config"
	"capwatch/internal/hetzner"
)

var (
	// ErrInProgress means another rebuild already holds this server's lock.
	// Callers get it immediately; nothing queues behind a running rebuild.
	ErrInProgress = errors.New("rebuild already in progress")
	// ErrNoSnapshot means no image could be resolved for the server.
	ErrNoSnapshot = errors.New("no snapshot image available")
	// ErrIrrecoverable marks the destroy-succeeded/create-failed state: the
	// old server is gone and no replacement exists. Operator intervention
	// required; the orchestrator never retries past this on its own.
	ErrIrrecoverable = errors.New("server destroyed but replacement creation failed")
)

type Provider interface {
	GetServer(ctx context.Context, id int64) (*hetzner.Server, error)
	DeleteServer(ctx context.Context, id int64) error
	CreateServer(ctx context.Context, spec hetzner.CreateSpec) (*hetzner.Server, error)
	ListSnapshots(ctx context.Context) ([]hetzner.Image, error)
}

type DNS interface {
	UpdateARecord(ctx context.Context, apiToken, zoneID, recordName, ip string) error
}

type Notifier interface {
	Enabled() bool
	SendMarkdown(ctx context.Context, msg string) error
}

// DNSStatus reports the best-effort DNS repoint outcome. A failed update does
// not fail the rebuild; a live replacement server is the success criterion.
type DNSStatus struct {
	Attempted bool
	Record    string
	Err       error
}

type Result struct {
	Success     bool
	NewServerID int64
	NewIP       string
	ImageID     int64
	DNS         *DNSStatus
	Err         error
}

type serverLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Orchestrator serializes destroy-recreate-repoint workflows per server id.
type Orchestrator struct {
	provider Provider
	dns      DNS
	notify   Notifier
	cfg      *config.Config
	log      *slog.Logger

	// grace is the wait after destroy before creating the replacement, and
	// the backoff between create attempts.
	grace time.Duration
	now   func() time.Time

	mu    sync.Mutex
	locks map[int64]*serverLock
}

func NewOrchestrator(provider Provider, dns DNS, notify Notifier, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		dns:      dns,
		notify:   notify,
		cfg:      cfg,
		log:      logger,
		grace:    5 * time.Second,
		now:      time.Now,
		locks:    make(map[int64]*serverLock),
	}
}

// Rebuild destroys serverID, recreates it from a snapshot image with the same
// name, type and location, and repoints its DNS record. reason is included in
// the lifecycle notifications. The per-server lock is released on every exit
// path.
func (o *Orchestrator) Rebuild(ctx context.Context, serverID int64, serverName, reason string) Result {
	lock := o.lockFor(serverID)
	if !lock.mu.TryLock() {
		return Result{Err: ErrInProgress}
	}
	defer func() {
		o.mu.Lock()
		lock.lastUsed = o.now()
		o.mu.Unlock()
		lock.mu.Unlock()
	}()

	o.log.Info("rebuild starting", "server", serverName, "id", serverID, "reason", reason)
	o.notifyBestEffort(ctx, fmt.Sprintf("*[%s]* rebuild triggered (%s)", serverName, reason))

	old, err := o.provider.GetServer(ctx, serverID)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch server: %w", err)}
	}

	imageID, err := o.resolveImage(ctx, serverID, old.Name)
	if err != nil {
		return Result{Err: err}
	}

	if err := o.provider.DeleteServer(ctx, serverID); err != nil {
		return Result{Err: fmt.Errorf("destroy server: %w", err)}
	}

	// Give the provider time to release the name and resources.
	if err := sleepCtx(ctx, o.grace); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrIrrecoverable, err)}
	}

	spec := hetzner.CreateSpec{
		Name:             old.Name,
		ServerType:       old.ServerType.Name,
		Image:            imageID,
		Location:         old.Datacenter.Location.Name,
		StartAfterCreate: true,
	}
	var created *hetzner.Server
	op := func() error {
		s, err := o.provider.CreateServer(ctx, spec)
		if err != nil {
			return err
		}
		created = s
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(o.grace), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		o.log.Error("rebuild irrecoverable: destroy succeeded, create failed", "server", serverName, "id", serverID, "err", err)
		o.notifyBestEffort(ctx, fmt.Sprintf("*[%s]* rebuild FAILED after destroy: %v — manual recovery required", serverName, err))
		return Result{Err: fmt.Errorf("%w: %v", ErrIrrecoverable, err)}
	}

	res := Result{Success: true, NewServerID: created.ID, NewIP: created.IP(), ImageID: imageID}
	res.DNS = o.repointDNS(ctx, serverID, old.Name, created.IP())

	dnsText := ""
	if res.DNS != nil && res.DNS.Attempted {
		if res.DNS.Err == nil {
			dnsText = "\nDNS updated"
		} else {
			dnsText = fmt.Sprintf("\nDNS failed: %v", res.DNS.Err)
		}
	}
	o.notifyBestEffort(ctx, fmt.Sprintf("*[%s]* rebuild complete\nIP: `%s`%s", serverName, res.NewIP, dnsText))
	o.log.Info("rebuild complete", "server", serverName, "new_id", res.NewServerID, "new_ip", res.NewIP)
	return res
}

// LockHeld reports whether a rebuild is currently running for serverID. For
// status display only.
func (o *Orchestrator) LockHeld(serverID int64) bool {
	o.mu.Lock()
	lock, ok := o.locks[serverID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if lock.mu.TryLock() {
		lock.mu.Unlock()
		return false
	}
	return true
}

// EvictStaleLocks drops lock entries idle for longer than maxIdle. Held locks
// are never evicted. The lock set otherwise grows by one entry per server id
// ever seen.
func (o *Orchestrator) EvictStaleLocks(maxIdle time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-maxIdle)
	evicted := 0
	for id, lock := range o.locks {
		if lock.lastUsed.After(cutoff) {
			continue
		}
		if !lock.mu.TryLock() {
			continue
		}
		lock.mu.Unlock()
		delete(o.locks, id)
		evicted++
	}
	return evicted
}

func (o *Orchestrator) lockFor(serverID int64) *serverLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[serverID]
	if !ok {
		lock = &serverLock{lastUsed: o.now()}
		o.locks[serverID] = lock
	}
	return lock
}

func (o *Orchestrator) resolveImage(ctx context.Context, serverID int64, name string) (int64, error) {
	if id, ok := o.cfg.SnapshotOverride(serverID, name); ok {
		return id, nil
	}
	snapshots, err := o.provider.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return 0, ErrNoSnapshot
	}
	return snapshots[0].ID, nil
}

func (o *Orchestrator) repointDNS(ctx context.Context, serverID int64, name, ip string) *DNSStatus {
	rec := o.cfg.ResolveRecord(serverID, name)
	if rec == nil || ip == "" {
		return &DNSStatus{}
	}
	err := o.dns.UpdateARecord(ctx, rec.APIToken, rec.ZoneID, rec.Record, ip)
	if err != nil {
		o.log.Warn("dns update failed", "record", rec.Record, "err", err)
	}
	return &DNSStatus{Attempted: true, Record: rec.Record, Err: err}
}

func (o *Orchestrator) notifyBestEffort(ctx context.Context, msg string) {
	if !o.notify.Enabled() {
		return
	}
	if err := o.notify.SendMarkdown(ctx, msg); err != nil {
		o.log.Warn("rebuild notification failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
