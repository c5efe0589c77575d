// Package proximity converts the continuous ranging feed emitted by
// provisioned sensors into discrete enter/exit events, filtered by the
// operator-maintained active-device set.
package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/model"
)

// RegionDriver is the platform region-monitoring surface. Starting it
// before the asynchronous permission grant silently no-ops on the platform,
// so the monitor never calls StartMonitoring until the grant is confirmed.
type RegionDriver interface {
	StartMonitoring() error
	StopMonitoring()
}

// ConfigSource yields a consistent snapshot of the configured sensor set.
type ConfigSource interface {
	ListBeaconConfigs(ctx context.Context) ([]model.BeaconConfig, error)
}

// EventRecorder persists emitted events.
type EventRecorder interface {
	InsertProximityEvent(ctx context.Context, ev model.ProximityEvent) error
}

// EventSink receives emitted events for delivery. Submit must not block.
type EventSink interface {
	Submit(ev model.ProximityEvent)
}

// DefaultExitThreshold is the detection gap after which a tracked minor is
// considered gone.
const DefaultExitThreshold = 90 * time.Second

// Monitor tracks which minors are currently present. It reads a fresh
// config snapshot on every ranging pass, so toggling isActive changes live
// behavior on the very next pass.
type Monitor struct {
	driver   RegionDriver
	configs  ConfigSource
	recorder EventRecorder
	sink     EventSink
	diag     *diaglog.Log
	logger   *slog.Logger

	exitThreshold time.Duration
	now           func() time.Time

	// OnStarted fires when monitoring actually begins, including a latched
	// start replayed after a permission grant.
	OnStarted func()

	mu           sync.Mutex
	granted      bool
	pendingStart bool
	running      bool
	enteredAt    map[uint16]time.Time
	lastSeen     map[uint16]time.Time
}

// Options configures a Monitor.
type Options struct {
	ExitThreshold time.Duration
	Now           func() time.Time
}

// New constructs a stopped monitor.
func New(driver RegionDriver, configs ConfigSource, recorder EventRecorder, sink EventSink, diag *diaglog.Log, logger *slog.Logger, opts Options) *Monitor {
	if opts.ExitThreshold <= 0 {
		opts.ExitThreshold = DefaultExitThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		driver:        driver,
		configs:       configs,
		recorder:      recorder,
		sink:          sink,
		diag:          diag,
		logger:        logger,
		exitThreshold: opts.ExitThreshold,
		now:           opts.Now,
		enteredAt:     make(map[uint16]time.Time),
		lastSeen:      make(map[uint16]time.Time),
	}
}

// Start requests region monitoring. Before the permission grant the request
// is latched and replayed automatically on the grant callback.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if !m.granted {
		m.pendingStart = true
		m.diag.Record("monitoring queued", "region permission not granted yet")
		m.logger.Info("monitoring start latched until permission grant")
		return nil
	}
	return m.startLocked()
}

// Stop ends region monitoring and clears presence tracking.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingStart = false
	if !m.running {
		return
	}
	m.driver.StopMonitoring()
	m.running = false
	m.enteredAt = make(map[uint16]time.Time)
	m.lastSeen = make(map[uint16]time.Time)
	m.diag.Record("monitoring stopped", "")
}

// Running reports whether region monitoring is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// OnPermissionChanged handles the asynchronous permission callback. A
// latched start is replayed the instant the grant arrives; denial is logged
// and never fatal.
func (m *Monitor) OnPermissionChanged(granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.granted = granted
	if !granted {
		m.diag.Record("region permission denied", "monitoring stays latched until granted")
		m.logger.Warn("region permission denied")
		return
	}

	m.diag.Record("region permission granted", "")
	if m.pendingStart && !m.running {
		m.pendingStart = false
		if err := m.startLocked(); err != nil {
			m.logger.Error("latched monitoring start failed", "error", err)
		}
	}
}

// RangingPass processes one detection pass. The active-minor set is
// recomputed from a store snapshot each call: an empty configured set lets
// every minor through (discovery mode), a non-empty set admits only minors
// with isActive set.
func (m *Monitor) RangingPass(sightings []model.Sighting, source model.Source) {
	allowed, filterOn, ok := m.allowedMinors()
	if !ok {
		return
	}

	now := m.now()

	m.mu.Lock()
	var emitted []model.ProximityEvent
	for _, s := range sightings {
		if filterOn && !allowed[s.Minor] {
			continue
		}

		at := s.At
		if at.IsZero() {
			at = now
		}

		if _, tracked := m.enteredAt[s.Minor]; !tracked {
			m.enteredAt[s.Minor] = at
			emitted = append(emitted, model.ProximityEvent{
				Minor:     s.Minor,
				Type:      model.EventEnter,
				Timestamp: at,
				Source:    source,
			})
		}
		m.lastSeen[s.Minor] = at
	}
	emitted = append(emitted, m.sweepLocked(now, source, allowed, filterOn)...)
	m.mu.Unlock()

	for _, ev := range emitted {
		m.emit(ev)
	}
}

// OnRegionExit handles an explicit platform region-exit callback. A minor
// with no recorded enter still produces a well-formed event with a null
// duration; the missing enter time is never fabricated.
func (m *Monitor) OnRegionExit(minor uint16, source model.Source) {
	allowed, filterOn, ok := m.allowedMinors()
	if !ok {
		return
	}

	now := m.now()

	m.mu.Lock()
	if filterOn && !allowed[minor] {
		delete(m.enteredAt, minor)
		delete(m.lastSeen, minor)
		m.mu.Unlock()
		return
	}

	ev := model.ProximityEvent{
		Minor:     minor,
		Type:      model.EventExit,
		Timestamp: now,
		Source:    source,
	}
	if enteredAt, tracked := m.enteredAt[minor]; tracked {
		d := now.Sub(enteredAt).Seconds()
		ev.DurationSeconds = &d
	}
	delete(m.enteredAt, minor)
	delete(m.lastSeen, minor)
	m.mu.Unlock()

	m.emit(ev)
}

// SweepExits emits exit events for tracked minors whose detection gap has
// exceeded the exit threshold. It runs on every ranging pass and on the
// periodic tick in Run, so exits fire even when the radio goes silent.
func (m *Monitor) SweepExits(source model.Source) {
	allowed, filterOn, ok := m.allowedMinors()
	if !ok {
		return
	}

	now := m.now()

	m.mu.Lock()
	emitted := m.sweepLocked(now, source, allowed, filterOn)
	m.mu.Unlock()

	for _, ev := range emitted {
		m.emit(ev)
	}
}

// Run drives the periodic exit sweep until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.exitThreshold / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Running() {
				m.SweepExits(model.SourceBackground)
			}
		}
	}
}

func (m *Monitor) startLocked() error {
	if err := m.driver.StartMonitoring(); err != nil {
		return fmt.Errorf("start region monitoring: %w", err)
	}
	m.running = true
	m.diag.Record("monitoring started", "")
	m.logger.Info("region monitoring started")
	if m.OnStarted != nil {
		go m.OnStarted()
	}
	return nil
}

func (m *Monitor) sweepLocked(now time.Time, source model.Source, allowed map[uint16]bool, filterOn bool) []model.ProximityEvent {
	var emitted []model.ProximityEvent
	for minor, seen := range m.lastSeen {
		if now.Sub(seen) <= m.exitThreshold {
			continue
		}

		enteredAt, tracked := m.enteredAt[minor]
		delete(m.enteredAt, minor)
		delete(m.lastSeen, minor)

		// Toggled-off minors stop firing immediately, including their exit.
		if filterOn && !allowed[minor] {
			continue
		}

		ev := model.ProximityEvent{
			Minor:     minor,
			Type:      model.EventExit,
			Timestamp: seen,
			Source:    source,
		}
		if tracked {
			d := seen.Sub(enteredAt).Seconds()
			ev.DurationSeconds = &d
		}
		emitted = append(emitted, ev)
	}
	return emitted
}

// allowedMinors reads a value snapshot of the configured set. Reading fresh
// every pass keeps concurrent config edits from tearing the view.
func (m *Monitor) allowedMinors() (map[uint16]bool, bool, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	configs, err := m.configs.ListBeaconConfigs(ctx)
	if err != nil {
		m.logger.Error("failed to load beacon config snapshot", "error", err)
		m.diag.Record("config snapshot failed", err.Error())
		return nil, false, false
	}

	if len(configs) == 0 {
		// Discovery mode: nothing configured, let everything through.
		return nil, false, true
	}

	allowed := make(map[uint16]bool, len(configs))
	for _, cfg := range configs {
		if cfg.IsActive {
			allowed[cfg.Minor] = true
		}
	}
	return allowed, true, true
}

func (m *Monitor) emit(ev model.ProximityEvent) {
	detail := fmt.Sprintf("minor=%d source=%s", ev.Minor, ev.Source)
	if ev.DurationSeconds != nil {
		detail = fmt.Sprintf("%s duration=%.1fs", detail, *ev.DurationSeconds)
	}
	m.diag.Record(string(ev.Type), detail)
	m.logger.Info("proximity event", "type", ev.Type, "minor", ev.Minor, "source", ev.Source)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.recorder.InsertProximityEvent(ctx, ev); err != nil {
		m.logger.Error("failed to persist proximity event", "minor", ev.Minor, "error", err)
	}

	m.sink.Submit(ev)
}
