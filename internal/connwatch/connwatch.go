// Package connwatch tracks whether the external services almanac
// leans on are reachable: the model provider, the CalDAV server and
// the MQTT broker.
//
// httpkit retries single requests across sub-second dial errors.
// connwatch covers the longer outages: a model server restarting, a
// CalDAV host rebooting, a broker that is down for minutes. Each
// Watcher probes one service. While the service is down it retries
// with exponential backoff; once up it polls at a fixed interval.
// Transitions are logged and published on the event bus so /health,
// WebSocket clients and the MQTT forwarder all see them.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/almanac/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the check interval while the service is up
	// (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s while down
// and a 60s poll while up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows a backoff delay, never past MaxDelay.
func (b BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, events and /health
	// (e.g. "model", "caldav", "mqtt").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnChange is called after every ready/down transition with the new
	// state and, when down, the probe error. Runs on the watcher
	// goroutine; must not block. Optional.
	OnChange func(ready bool, err error)

	// Logger uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service as reported by
// /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes until ctx ends. A healthy service is re-checked every
// PollInterval; an unhealthy one after a growing backoff delay.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	delay := cfg.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.observe(err)

		wait := cfg.PollInterval
		if err != nil {
			wait = delay
			delay = cfg.next(delay)
		} else {
			delay = cfg.InitialDelay
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// observe records a probe result and reports transitions. The first
// probe always counts as a transition so startup state is announced.
func (w *Watcher) observe(err error) {
	w.mu.Lock()
	first := w.lastCheck.IsZero()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	logger := w.config.Logger
	ready := err == nil
	if !first && w.ready.Load() == ready {
		if !ready {
			logger.Debug("service still unreachable",
				"service", w.config.Name, "failures", failures, "error", err)
		}
		return
	}
	w.ready.Store(ready)

	kind := events.KindServiceReady
	data := map[string]any{"service": w.config.Name}
	if ready {
		logger.Info("service connected", "service", w.config.Name)
	} else {
		kind = events.KindServiceDown
		data["error"] = err.Error()
		logger.Warn("service unreachable", "service", w.config.Name, "error", err)
	}
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceConnwatch,
		Kind:      kind,
		Data:      data,
	})
	if w.config.OnChange != nil {
		w.config.OnChange(ready, err)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager. Transitions are published on bus,
// which may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a service watcher. It runs until ctx is
// cancelled or Stop is called. Registering a name twice replaces and
// stops the earlier watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Down lists the watched services that are not ready, sorted by name.
func (m *Manager) Down() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var down []string
	for name, w := range m.watchers {
		if !w.IsReady() {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
