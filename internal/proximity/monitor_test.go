package proximity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/model"
)

type fakeDriver struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
}

func (f *fakeDriver) StartMonitoring() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeDriver) StopMonitoring() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeDriver) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type fakeConfigs struct {
	mu      sync.Mutex
	configs []model.BeaconConfig
	err     error
}

func (f *fakeConfigs) ListBeaconConfigs(ctx context.Context) ([]model.BeaconConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.BeaconConfig, len(f.configs))
	copy(out, f.configs)
	return out, nil
}

func (f *fakeConfigs) set(configs []model.BeaconConfig) {
	f.mu.Lock()
	f.configs = configs
	f.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []model.ProximityEvent
}

func (c *captureSink) Submit(ev model.ProximityEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) all() []model.ProximityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ProximityEvent, len(c.events))
	copy(out, c.events)
	return out
}

type captureRecorder struct {
	mu     sync.Mutex
	events []model.ProximityEvent
}

func (c *captureRecorder) InsertProximityEvent(ctx context.Context, ev model.ProximityEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T, configs *fakeConfigs) (*Monitor, *fakeDriver, *captureSink, *fixedClock) {
	t.Helper()
	driver := &fakeDriver{}
	sink := &captureSink{}
	clock := &fixedClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	m := New(driver, configs, &captureRecorder{}, sink, diaglog.New(100), logger, Options{
		ExitThreshold: 90 * time.Second,
		Now:           clock.now,
	})
	return m, driver, sink, clock
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func TestDiscoveryModeAllowsAllMinors(t *testing.T) {
	m, _, sink, _ := newTestMonitor(t, &fakeConfigs{})

	m.RangingPass([]model.Sighting{{Minor: 5}, {Minor: 42}}, model.SourceForeground)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 enter events in discovery mode, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Type != model.EventEnter {
			t.Errorf("expected enter, got %s for minor %d", ev.Type, ev.Minor)
		}
	}
}

func TestActiveSetFiltersInactiveMinors(t *testing.T) {
	configs := &fakeConfigs{configs: []model.BeaconConfig{
		{Minor: 5, Room: "Kitchen", IsActive: true},
		{Minor: 9, Room: "Office", IsActive: false},
	}}
	m, _, sink, _ := newTestMonitor(t, configs)

	// One pass reporting both minors yields exactly one event, for minor 5.
	m.RangingPass([]model.Sighting{{Minor: 5}, {Minor: 9}}, model.SourceForeground)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d: %+v", len(events), events)
	}
	if events[0].Minor != 5 || events[0].Type != model.EventEnter {
		t.Errorf("expected enter for minor 5, got %+v", events[0])
	}
}

func TestToggleTakesEffectOnNextPass(t *testing.T) {
	configs := &fakeConfigs{configs: []model.BeaconConfig{
		{Minor: 5, Room: "Kitchen", IsActive: false},
	}}
	m, _, sink, _ := newTestMonitor(t, configs)

	m.RangingPass([]model.Sighting{{Minor: 5}}, model.SourceForeground)
	if len(sink.all()) != 0 {
		t.Fatalf("inactive minor fired an event: %+v", sink.all())
	}

	configs.set([]model.BeaconConfig{{Minor: 5, Room: "Kitchen", IsActive: true}})

	m.RangingPass([]model.Sighting{{Minor: 5}}, model.SourceForeground)
	events := sink.all()
	if len(events) != 1 || events[0].Type != model.EventEnter {
		t.Fatalf("expected enter on the pass after toggling active, got %+v", events)
	}
}

func TestExitEmitsDurationFromEnterToLastSeen(t *testing.T) {
	m, _, sink, clock := newTestMonitor(t, &fakeConfigs{})

	firstSeen := clock.now()
	m.RangingPass([]model.Sighting{{Minor: 7, At: firstSeen}}, model.SourceBackground)

	clock.advance(60 * time.Second)
	lastSeen := clock.now()
	m.RangingPass([]model.Sighting{{Minor: 7, At: lastSeen}}, model.SourceBackground)

	// Detection gap beyond the 90s threshold.
	clock.advance(2 * time.Minute)
	m.SweepExits(model.SourceBackground)

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected enter + exit, got %d events: %+v", len(events), events)
	}

	exit := events[1]
	if exit.Type != model.EventExit {
		t.Fatalf("expected exit, got %s", exit.Type)
	}
	if exit.DurationSeconds == nil {
		t.Fatal("exit missing duration")
	}
	want := lastSeen.Sub(firstSeen).Seconds()
	if diff := *exit.DurationSeconds - want; diff > 1 || diff < -1 {
		t.Errorf("expected duration within 1s of %.0f, got %.0f", want, *exit.DurationSeconds)
	}
	if !exit.Timestamp.Equal(lastSeen) {
		t.Errorf("exit timestamp should be the last sighting, got %v", exit.Timestamp)
	}

	// The sweep must emit a single exit, not one per tick.
	m.SweepExits(model.SourceBackground)
	if len(sink.all()) != 2 {
		t.Errorf("duplicate exit emitted: %+v", sink.all())
	}
}

func TestRegionExitWithoutEnterEmitsNullDuration(t *testing.T) {
	m, _, sink, _ := newTestMonitor(t, &fakeConfigs{})

	m.OnRegionExit(11, model.SourceBackground)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 exit event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != model.EventExit || ev.Minor != 11 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DurationSeconds != nil {
		t.Errorf("exit without a recorded enter must carry a null duration, got %v", *ev.DurationSeconds)
	}
}

func TestStartLatchedUntilPermissionGranted(t *testing.T) {
	m, driver, _, _ := newTestMonitor(t, &fakeConfigs{})

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if driver.startCount() != 0 {
		t.Fatal("StartMonitoring called before permission grant")
	}

	// Denial is never fatal; the latch survives.
	m.OnPermissionChanged(false)
	if driver.startCount() != 0 {
		t.Fatal("StartMonitoring called after denial")
	}

	m.OnPermissionChanged(true)
	if driver.startCount() != 1 {
		t.Fatal("latched start not replayed on permission grant")
	}
	if !m.Running() {
		t.Fatal("monitor not running after replayed start")
	}
}

func TestStartAfterGrantIsImmediate(t *testing.T) {
	m, driver, _, _ := newTestMonitor(t, &fakeConfigs{})

	m.OnPermissionChanged(true)
	if driver.startCount() != 0 {
		t.Fatal("grant alone must not start monitoring")
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if driver.startCount() != 1 {
		t.Fatal("StartMonitoring not called")
	}
}

func TestConfigSnapshotErrorSkipsPass(t *testing.T) {
	configs := &fakeConfigs{err: errors.New("database locked")}
	m, _, sink, _ := newTestMonitor(t, configs)

	m.RangingPass([]model.Sighting{{Minor: 5}}, model.SourceForeground)
	if len(sink.all()) != 0 {
		t.Errorf("pass with failed snapshot must emit nothing, got %+v", sink.all())
	}
}

func TestStopClearsTracking(t *testing.T) {
	m, driver, sink, clock := newTestMonitor(t, &fakeConfigs{})
	m.OnPermissionChanged(true)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.RangingPass([]model.Sighting{{Minor: 5}}, model.SourceForeground)
	m.Stop()
	if m.Running() {
		t.Fatal("monitor still running after Stop")
	}
	if driver.stopped != 1 {
		t.Fatalf("expected one StopMonitoring call, got %d", driver.stopped)
	}

	// No exit should fire for tracking state cleared by Stop.
	clock.advance(10 * time.Minute)
	m.SweepExits(model.SourceBackground)

	for _, ev := range sink.all() {
		if ev.Type == model.EventExit {
			t.Errorf("exit emitted after Stop cleared tracking: %+v", ev)
		}
	}
}
