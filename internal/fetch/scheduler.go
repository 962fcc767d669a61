package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/licwatch/licwatch/internal/backend"
	"github.com/licwatch/licwatch/internal/config"
)

// joinGrace extends a joining reader's wait past the fetch timeout, leaving
// room for a result that is about to land to make the response.
const joinGrace = time.Second

// Health classifies what a Lookup carries.
const (
	HealthOK    = "ok"    // snapshot within the freshness window
	HealthStale = "stale" // snapshot exists but could not be refreshed
	HealthError = "error" // no snapshot has ever been taken
)

// Snapshot is the usage data of one source at one point in time.
type Snapshot struct {
	Source   string
	Type     config.BackendType
	Taken    time.Time
	Features []backend.FeatureUsage
}

// Lookup is the scheduler's answer for one source: the best snapshot it has,
// how healthy that answer is, and the last fetch error when there is one.
type Lookup struct {
	Snap   *Snapshot
	Health string
	Err    error
}

// entry owns all fetch state for one source. Its mutex guards every field;
// pending is non-nil while a fetch goroutine is running and is closed when
// that fetch completes, waking all joined readers.
type entry struct {
	mu          sync.Mutex
	src         config.Source
	backend     backend.Backend
	snap        *Snapshot
	lastErr     error
	lastErrAt   time.Time
	lastAttempt time.Time
	pending     chan struct{}
}

// Scheduler hands out cached usage snapshots and refreshes them on demand.
// A snapshot older than the freshness window triggers one refresh; readers
// arriving during that refresh join it instead of spawning their own. A
// failed refresh keeps the previous snapshot available as stale data.
type Scheduler struct {
	maxAge  time.Duration
	timeout time.Duration
	limiter *rate.Limiter

	// now is passed in so tests control the clock without sleeping.
	now func() time.Time

	entries map[string]*entry
	order   []config.Source
}

// New builds a scheduler with one cache entry per configured source.
func New(cfg *config.Config) (*Scheduler, error) {
	s := &Scheduler{
		maxAge:  cfg.Global.PollInterval,
		timeout: cfg.Global.FetchTimeout,
		limiter: spawnLimiter(cfg.Global.MaxQueriesPerSecond),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, src := range cfg.Sources() {
		b, err := backend.New(src, cfg.Global)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		s.entries[src.Name] = &entry{src: src, backend: b}
		s.order = append(s.order, src)
	}
	return s, nil
}

// spawnLimiter spaces out query-tool spawns across all sources. Zero means
// no limit.
func spawnLimiter(qps float64) *rate.Limiter {
	if qps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(qps), 1)
}

// Get returns the freshest answer available for the named source, refreshing
// it first when the cached snapshot has aged out. ctx bounds only the
// caller's wait: a refresh that is already running keeps running after the
// caller gives up, and its result serves the next reader.
func (s *Scheduler) Get(ctx context.Context, name string) Lookup {
	e, ok := s.entries[name]
	if !ok {
		return Lookup{Health: HealthError, Err: fmt.Errorf("fetch: unknown source %q", name)}
	}

	e.mu.Lock()
	now := s.now()

	if e.snap != nil && now.Sub(e.snap.Taken) < s.maxAge {
		lookup := Lookup{Snap: e.snap, Health: HealthOK}
		e.mu.Unlock()
		return lookup
	}

	pending := e.pending
	if pending == nil && now.Sub(e.lastAttempt) >= s.maxAge {
		pending = make(chan struct{})
		e.pending = pending
		e.lastAttempt = now
		go s.refresh(e, pending)
	}
	e.mu.Unlock()

	if pending != nil {
		timer := time.NewTimer(s.timeout + joinGrace)
		defer timer.Stop()
		select {
		case <-pending:
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	return s.lookup(e)
}

// refresh performs one fetch and publishes its outcome. It runs on a
// detached context: an abandoning caller must not cancel work whose result
// can serve the next reader.
func (s *Scheduler) refresh(e *entry, pending chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.pending = nil
		e.mu.Unlock()
		close(pending)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		s.record(e, nil, fmt.Errorf("fetch: spawn limiter: %w", err))
		return
	}

	features, err := e.backend.Fetch(ctx)
	if err != nil {
		s.record(e, nil, err)
		return
	}
	s.record(e, &Snapshot{
		Source:   e.src.Name,
		Type:     e.src.Type,
		Taken:    s.now(),
		Features: features,
	}, nil)
}

// record publishes a fetch outcome. A snapshot replaces the cached one only
// when it is newer; racing refreshes can complete out of order.
func (s *Scheduler) record(e *entry, snap *Snapshot, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.lastErr = err
		e.lastErrAt = s.now()
		slog.Warn("fetch: refresh failed", "source", e.src.Name, "err", err)
		return
	}
	if e.snap == nil || snap.Taken.After(e.snap.Taken) {
		e.snap = snap
	}
	e.lastErr = nil
}

// lookup reads the entry's current state into a Lookup.
func (s *Scheduler) lookup(e *entry) Lookup {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.snap == nil && e.lastErr == nil:
		return Lookup{Health: HealthError, Err: errors.New("fetch: no data yet")}
	case e.snap == nil:
		return Lookup{Health: HealthError, Err: e.lastErr}
	case e.lastErr != nil || s.now().Sub(e.snap.Taken) >= s.maxAge:
		return Lookup{Snap: e.snap, Health: HealthStale, Err: e.lastErr}
	default:
		return Lookup{Snap: e.snap, Health: HealthOK}
	}
}

// Sources returns the configured sources in declared order.
func (s *Scheduler) Sources() []config.Source {
	return s.order
}
