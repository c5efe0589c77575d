// Package provisioning drives the interactive flow that turns a
// freshly-powered sensor into a persisted beacon config: scan, connect,
// discover, write the configuration values, commit. Every stage that waits
// on a transport callback is bounded by a cooperative timeout.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/model"
)

// State identifies the current stage of a provisioning session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateWritingConfig
	StateCommitting
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discoveringServices"
	case StateDiscoveringCharacteristics:
		return "discoveringCharacteristics"
	case StateWritingConfig:
		return "writingConfig"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is the platform radio surface the coordinator drives. Commands
// return immediately; completions arrive later through the On* callbacks.
// The platform behind it is allowed to be slow, cache stale service
// definitions, and surface errors at any time.
type Transport interface {
	PowerReady() bool
	StartScan() error
	StopScan()
	Connect(handle string) error
	DiscoverServices(handle string) error
	DiscoverCharacteristics(handle string) error
	WriteCharacteristic(handle, name, value string) error
	Commit(handle string) error
	Disconnect(handle string)
}

// ConfigStore persists committed beacon configs.
type ConfigStore interface {
	UpsertBeaconConfig(ctx context.Context, cfg model.BeaconConfig) error
	BeaconConfigExists(ctx context.Context, minor uint16) (bool, error)
}

// Policy decides what happens when a session commits a minor that already
// has a stored config.
type Policy string

const (
	PolicyOverwrite Policy = "overwrite"
	PolicyReject    Policy = "reject"
)

// Timeouts are the per-stage callback budgets.
type Timeouts struct {
	Connect                 time.Duration
	DiscoverServices        time.Duration
	DiscoverCharacteristics time.Duration
	Write                   time.Duration
	Commit                  time.Duration
}

// DefaultTimeouts returns the recommended per-stage budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:                 15 * time.Second,
		DiscoverServices:        10 * time.Second,
		DiscoverCharacteristics: 10 * time.Second,
		Write:                   10 * time.Second,
		Commit:                  10 * time.Second,
	}
}

// Snapshot is a plain-value view of the active session for progress UIs.
type Snapshot struct {
	SessionID      string `json:"session_id,omitempty"`
	State          string `json:"state"`
	Sensor         string `json:"sensor,omitempty"`
	Minor          uint16 `json:"minor,omitempty"`
	WritesDone     int    `json:"writes_done"`
	WritesRequired int    `json:"writes_required"`
	Error          string `json:"error,omitempty"`
}

var (
	// ErrSessionActive is returned when a session is already in progress.
	ErrSessionActive = errors.New("a provisioning session is already active")
	// ErrBadState is returned for operations invalid in the current state.
	ErrBadState = errors.New("operation not valid in current state")
	// ErrUnknownSensor is returned when selecting a handle never discovered.
	ErrUnknownSensor = errors.New("unknown sensor handle")
	// ErrConfigInvalid is returned for empty configuration values.
	ErrConfigInvalid = errors.New("network ssid and room label are required")
)

const writesRequired = 3 // ssid, password, room label

// Coordinator runs at most one provisioning session at a time. All state
// transitions happen under one mutex, so transitions never interleave with
// themselves; the transport callbacks and timers are the only drivers.
type Coordinator struct {
	transport Transport
	store     ConfigStore
	diag      *diaglog.Log
	logger    *slog.Logger

	policy     Policy
	timeouts   Timeouts
	namePrefix string
	now        func() time.Time
	onChange   func(Snapshot)

	mu           sync.Mutex
	state        State
	stateGen     uint64
	enteredAt    time.Time
	timer        *time.Timer
	pendingStart bool

	sessionID    string
	handle       string
	minor        uint16
	cfg          model.SensorConfig
	cfgSubmitted bool
	writesDone   int
	errReason    string
	discovered   map[string]model.DiscoveredSensor
}

// Options configures a Coordinator.
type Options struct {
	Policy     Policy
	Timeouts   Timeouts
	NamePrefix string
	Now        func() time.Time
	OnChange   func(Snapshot)
}

// New constructs a coordinator in the idle state.
func New(transport Transport, store ConfigStore, diag *diaglog.Log, logger *slog.Logger, opts Options) *Coordinator {
	if opts.Policy == "" {
		opts.Policy = PolicyOverwrite
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		transport:  transport,
		store:      store,
		diag:       diag,
		logger:     logger,
		policy:     opts.Policy,
		timeouts:   opts.Timeouts,
		namePrefix: opts.NamePrefix,
		now:        opts.Now,
		onChange:   opts.OnChange,
		state:      StateIdle,
		discovered: make(map[string]model.DiscoveredSensor),
	}
}

// Start begins a new session. If the transport power state is not ready the
// intent is latched and the scan starts automatically on the power-ready
// callback; the user never has to press the button twice.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateDone, StateError:
	default:
		return ErrSessionActive
	}

	c.resetSessionLocked()
	c.sessionID = uuid.NewString()

	if !c.transport.PowerReady() {
		c.pendingStart = true
		c.diag.Record("provisioning queued", "radio power not ready, waiting for power-ready callback")
		c.logger.Info("provisioning start queued until radio is ready", "session", c.sessionID)
		return nil
	}

	return c.beginScanLocked()
}

// Cancel tears down any in-flight session and returns to idle. It cancels
// the pending stage timer and closes any half-open connection.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle && !c.pendingStart {
		return
	}

	c.diag.Record("provisioning cancelled", fmt.Sprintf("state=%s", c.state))
	c.teardownLocked()
	c.pendingStart = false
	c.transitionLocked(StateIdle)
}

// Sensors returns the sensors discovered by the active scan, strongest
// signal first.
func (c *Coordinator) Sensors() []model.DiscoveredSensor {
	c.mu.Lock()
	defer c.mu.Unlock()

	sensors := make([]model.DiscoveredSensor, 0, len(c.discovered))
	for _, s := range c.discovered {
		sensors = append(sensors, s)
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].RSSI > sensors[j].RSSI })
	return sensors
}

// SubmitConfig records the values the session will write. It may be called
// before or after selecting a sensor; if the characteristic discovery has
// already finished, the writes begin immediately.
func (c *Coordinator) SubmitConfig(cfg model.SensorConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(cfg.NetworkSSID) == "" || strings.TrimSpace(cfg.Room) == "" {
		return ErrConfigInvalid
	}

	switch c.state {
	case StateCommitting, StateDone:
		return ErrBadState
	}

	c.cfg = cfg
	c.cfgSubmitted = true
	c.diag.Record("config submitted", fmt.Sprintf("room=%s", cfg.Room))

	if c.state == StateWritingConfig && c.writesDone == 0 && c.timer == nil {
		return c.beginWritesLocked()
	}
	return nil
}

// Select connects to one discovered sensor and starts the handshake.
func (c *Coordinator) Select(handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateScanning {
		return ErrBadState
	}
	sensor, ok := c.discovered[handle]
	if !ok {
		return ErrUnknownSensor
	}

	c.transport.StopScan()
	c.handle = handle
	c.discovered = make(map[string]model.DiscoveredSensor)

	c.diag.Record("sensor selected", fmt.Sprintf("name=%s rssi=%d", sensor.Name, sensor.RSSI))
	c.transitionLocked(StateConnecting)
	c.armTimeoutLocked(c.timeouts.Connect, "connect")

	if err := c.transport.Connect(handle); err != nil {
		c.failLocked(fmt.Sprintf("could not reach the sensor: %v", err))
		return nil
	}
	return nil
}

// Snapshot returns a plain-value view of the session.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// OnPowerReady replays a queued start once the radio reports ready.
func (c *Coordinator) OnPowerReady() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pendingStart {
		return
	}
	c.pendingStart = false
	c.diag.Record("radio ready", "replaying queued provisioning start")
	if err := c.beginScanLocked(); err != nil {
		c.logger.Error("queued scan start failed", "error", err)
	}
}

// OnDiscovered records a scan result. Matching is by advertised name only;
// the advertisement payload does not reliably carry the identifying service.
func (c *Coordinator) OnDiscovered(sensor model.DiscoveredSensor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateScanning {
		return
	}
	if c.namePrefix != "" && !strings.HasPrefix(sensor.Name, c.namePrefix) {
		return
	}
	if _, seen := c.discovered[sensor.Handle]; !seen {
		c.diag.Record("sensor discovered", fmt.Sprintf("name=%s rssi=%d", sensor.Name, sensor.RSSI))
	}
	c.discovered[sensor.Handle] = sensor
}

// OnConnected advances the handshake to service discovery.
func (c *Coordinator) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		return
	}

	c.transitionLocked(StateDiscoveringServices)
	c.armTimeoutLocked(c.timeouts.DiscoverServices, "service discovery")

	if err := c.transport.DiscoverServices(c.handle); err != nil {
		c.failLocked(fmt.Sprintf("service discovery could not start: %v", err))
	}
}

// OnServicesDiscovered advances the handshake to characteristic discovery.
func (c *Coordinator) OnServicesDiscovered() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDiscoveringServices {
		return
	}

	c.transitionLocked(StateDiscoveringCharacteristics)
	c.armTimeoutLocked(c.timeouts.DiscoverCharacteristics, "characteristic discovery")

	if err := c.transport.DiscoverCharacteristics(c.handle); err != nil {
		c.failLocked(fmt.Sprintf("characteristic discovery could not start: %v", err))
	}
}

// OnCharacteristicsDiscovered enters the write stage. The sensor reports its
// factory-burned minor identifier here. If the user has not submitted the
// configuration form yet, the session waits with no timer armed; user input
// is not a platform callback.
func (c *Coordinator) OnCharacteristicsDiscovered(minor uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDiscoveringCharacteristics {
		return
	}

	c.minor = minor
	c.transitionLocked(StateWritingConfig)

	if !c.cfgSubmitted {
		c.diag.Record("awaiting config", fmt.Sprintf("minor=%d", minor))
		return
	}
	if err := c.beginWritesLocked(); err != nil {
		c.logger.Error("config writes failed to start", "error", err)
	}
}

// OnWriteAck counts one acknowledged characteristic write. When the counter
// reaches the required count the commit is issued automatically.
func (c *Coordinator) OnWriteAck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateWritingConfig {
		return
	}

	c.writesDone++
	if c.writesDone < writesRequired {
		// Each write waits on its own acknowledgement; re-arm the budget.
		c.rearmTimeoutLocked(c.timeouts.Write, "configuration write")
		if err := c.transport.WriteCharacteristic(c.handle, c.writeValues()[c.writesDone].name, c.writeValues()[c.writesDone].value); err != nil {
			c.failLocked(fmt.Sprintf("configuration write failed: %v", err))
		}
		return
	}

	c.diag.Record("config writes complete", fmt.Sprintf("count=%d", c.writesDone))
	c.transitionLocked(StateCommitting)
	c.armTimeoutLocked(c.timeouts.Commit, "commit")

	if err := c.transport.Commit(c.handle); err != nil {
		c.failLocked(fmt.Sprintf("commit could not be sent: %v", err))
	}
}

// OnCommitAck finalizes the session and persists the beacon config. The
// sensor reboots into the region-broadcast protocol after this point; no
// further GATT operations are valid against it.
func (c *Coordinator) OnCommitAck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCommitting {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if c.policy == PolicyReject {
		exists, err := c.store.BeaconConfigExists(ctx, c.minor)
		if err != nil {
			c.failLocked(fmt.Sprintf("could not verify existing configuration: %v", err))
			return
		}
		if exists {
			c.failLocked(fmt.Sprintf("a sensor with minor %d is already configured; remove it before provisioning again", c.minor))
			return
		}
	}

	cfg := model.BeaconConfig{Minor: c.minor, Room: c.cfg.Room, IsActive: true}
	if err := c.store.UpsertBeaconConfig(ctx, cfg); err != nil {
		c.failLocked(fmt.Sprintf("could not save the sensor configuration: %v", err))
		return
	}

	c.diag.Record("provisioning committed", fmt.Sprintf("minor=%d room=%s", c.minor, c.cfg.Room))
	c.logger.Info("sensor provisioned", "minor", c.minor, "room", c.cfg.Room)

	c.transport.Disconnect(c.handle)
	c.handle = ""
	c.transitionLocked(StateDone)
}

// OnTransportError fails the session with an actionable message. Platform
// error text never reaches the UI verbatim.
func (c *Coordinator) OnTransportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle || c.state == StateDone || c.state == StateError {
		c.diag.Record("transport error ignored", fmt.Sprintf("state=%s error=%v", c.state, err))
		return
	}

	c.logger.Warn("transport error during provisioning", "state", c.state.String(), "error", err)
	c.failLocked("the sensor connection was interrupted; try toggling Bluetooth and starting again")
}

type writeValue struct {
	name  string
	value string
}

func (c *Coordinator) writeValues() []writeValue {
	return []writeValue{
		{name: "network_ssid", value: c.cfg.NetworkSSID},
		{name: "network_password", value: c.cfg.NetworkPassword},
		{name: "room_label", value: c.cfg.Room},
	}
}

func (c *Coordinator) beginScanLocked() error {
	c.transitionLocked(StateScanning)
	c.diag.Record("scan started", "")
	if err := c.transport.StartScan(); err != nil {
		c.failLocked(fmt.Sprintf("scanning could not start: %v", err))
		return err
	}
	return nil
}

func (c *Coordinator) beginWritesLocked() error {
	c.writesDone = 0
	c.armTimeoutLocked(c.timeouts.Write, "configuration write")
	values := c.writeValues()
	if err := c.transport.WriteCharacteristic(c.handle, values[0].name, values[0].value); err != nil {
		c.failLocked(fmt.Sprintf("configuration write failed: %v", err))
		return err
	}
	return nil
}

// transitionLocked moves to the next state, cancelling any pending stage
// timer and bumping the generation counter so a late timer body is a no-op.
func (c *Coordinator) transitionLocked(next State) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.stateGen++
	c.state = next
	c.enteredAt = c.now()
	c.notifyLocked()
}

func (c *Coordinator) armTimeoutLocked(d time.Duration, stage string) {
	gen := c.stateGen
	c.timer = time.AfterFunc(d, func() { c.onStageTimeout(gen, stage) })
}

// rearmTimeoutLocked replaces the running timer without leaving the state.
func (c *Coordinator) rearmTimeoutLocked(d time.Duration, stage string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.stateGen++
	c.armTimeoutLocked(d, stage)
}

func (c *Coordinator) onStageTimeout(gen uint64, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The awaited callback already fired and advanced the session.
	if gen != c.stateGen {
		return
	}

	elapsed := c.now().Sub(c.enteredAt).Round(time.Millisecond)
	c.diag.Record("provisioning timeout", fmt.Sprintf("stage=%s elapsed=%s", stage, elapsed))
	c.logger.Warn("provisioning stage timed out", "stage", stage, "elapsed", elapsed)
	c.failLocked(fmt.Sprintf("the sensor did not respond during %s; try toggling Bluetooth and starting again", stage))
}

func (c *Coordinator) failLocked(reason string) {
	c.teardownLocked()
	c.errReason = reason
	c.transitionLocked(StateError)
	c.diag.Record("provisioning failed", reason)
}

// teardownLocked releases transport resources without changing state.
// Half-open connections are actively closed rather than left dangling.
func (c *Coordinator) teardownLocked() {
	if c.state == StateScanning {
		c.transport.StopScan()
	}
	if c.handle != "" {
		c.transport.Disconnect(c.handle)
		c.handle = ""
	}
	c.discovered = make(map[string]model.DiscoveredSensor)
}

func (c *Coordinator) resetSessionLocked() {
	c.sessionID = ""
	c.handle = ""
	c.minor = 0
	c.cfg = model.SensorConfig{}
	c.cfgSubmitted = false
	c.writesDone = 0
	c.errReason = ""
	c.discovered = make(map[string]model.DiscoveredSensor)
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:      c.sessionID,
		State:          c.state.String(),
		Sensor:         c.handle,
		Minor:          c.minor,
		WritesDone:     c.writesDone,
		WritesRequired: writesRequired,
		Error:          c.errReason,
	}
}

func (c *Coordinator) notifyLocked() {
	if c.onChange == nil {
		return
	}
	// Hand the observer plain values only; the live session stays owned here.
	snap := c.snapshotLocked()
	go c.onChange(snap)
}
