// Package gateway bridges the hub to the BLE gateway device over MQTT. The
// gateway owns the radio; this package turns its topic traffic into the
// transport callbacks the provisioning coordinator and proximity monitor
// consume, and publishes their commands back.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/model"
)

// ProvisioningEvents receives provisioning transport callbacks.
type ProvisioningEvents interface {
	OnPowerReady()
	OnDiscovered(sensor model.DiscoveredSensor)
	OnConnected()
	OnServicesDiscovered()
	OnCharacteristicsDiscovered(minor uint16)
	OnWriteAck()
	OnCommitAck()
	OnTransportError(err error)
}

// MonitorEvents receives ranging and region callbacks.
type MonitorEvents interface {
	RangingPass(sightings []model.Sighting, source model.Source)
	OnRegionExit(minor uint16, source model.Source)
	OnPermissionChanged(granted bool)
}

const publishTimeout = 5 * time.Second

// Gateway is an MQTT client bound to one gateway device. It implements
// provisioning.Transport and proximity.RegionDriver.
type Gateway struct {
	client mqtt.Client
	id     string
	logger *slog.Logger
	diag   *diaglog.Log

	mu         sync.Mutex
	powerReady bool

	provisioning ProvisioningEvents
	monitor      MonitorEvents
}

// New builds a gateway client for the broker URL. Bind must be called before
// Connect so incoming events have somewhere to go.
func New(brokerURL, gatewayID string, diag *diaglog.Log, logger *slog.Logger) *Gateway {
	g := &Gateway{id: gatewayID, logger: logger, diag: diag}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("presencehub-%s", gatewayID)).
		SetOrderMatters(false).
		SetAutoReconnect(true)
	g.client = mqtt.NewClient(opts)

	return g
}

// Bind installs the callback consumers.
func (g *Gateway) Bind(provisioning ProvisioningEvents, monitor MonitorEvents) {
	g.provisioning = provisioning
	g.monitor = monitor
}

// Dial connects to the broker and subscribes to the gateway's topics.
func (g *Gateway) Dial() error {
	if token := g.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	subscriptions := map[string]mqtt.MessageHandler{
		g.topic("status"):          g.handleStatus,
		g.topic("provision/event"): g.handleProvisionEvent,
		g.topic("sightings"):       g.handleSightings,
		g.topic("region"):          g.handleRegion,
	}

	for topic, handler := range subscriptions {
		if token := g.client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
		}
	}

	g.logger.Info("gateway connected", "gateway", g.id)
	return nil
}

// Close disconnects from the broker.
func (g *Gateway) Close() {
	g.client.Disconnect(250)
}

// PowerReady reports the last power state the gateway published.
func (g *Gateway) PowerReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.powerReady
}

// StartScan asks the gateway to begin advertising-name scanning.
func (g *Gateway) StartScan() error {
	return g.publishCommand(command{Op: "scan_start"})
}

// StopScan ends the scan. Errors are logged; stopping is best effort.
func (g *Gateway) StopScan() {
	if err := g.publishCommand(command{Op: "scan_stop"}); err != nil {
		g.logger.Warn("scan stop publish failed", "error", err)
	}
}

// Connect requests a GATT connection to the selected sensor.
func (g *Gateway) Connect(handle string) error {
	return g.publishCommand(command{Op: "connect", Handle: handle})
}

// DiscoverServices requests GATT service discovery.
func (g *Gateway) DiscoverServices(handle string) error {
	return g.publishCommand(command{Op: "discover_services", Handle: handle})
}

// DiscoverCharacteristics requests GATT characteristic discovery.
func (g *Gateway) DiscoverCharacteristics(handle string) error {
	return g.publishCommand(command{Op: "discover_characteristics", Handle: handle})
}

// WriteCharacteristic writes one configuration value.
func (g *Gateway) WriteCharacteristic(handle, name, value string) error {
	return g.publishCommand(command{Op: "write", Handle: handle, Name: name, Value: value})
}

// Commit asks the sensor to persist its configuration and reboot into the
// region-broadcast protocol.
func (g *Gateway) Commit(handle string) error {
	return g.publishCommand(command{Op: "commit", Handle: handle})
}

// Disconnect drops the GATT connection. Best effort.
func (g *Gateway) Disconnect(handle string) {
	if err := g.publishCommand(command{Op: "disconnect", Handle: handle}); err != nil {
		g.logger.Warn("disconnect publish failed", "handle", handle, "error", err)
	}
}

// StartMonitoring asks the gateway to begin region/ranging detection.
func (g *Gateway) StartMonitoring() error {
	return g.publishCommand(command{Op: "monitor_start"})
}

// StopMonitoring ends region/ranging detection. Best effort.
func (g *Gateway) StopMonitoring() {
	if err := g.publishCommand(command{Op: "monitor_stop"}); err != nil {
		g.logger.Warn("monitor stop publish failed", "error", err)
	}
}

type command struct {
	Op     string `json:"op"`
	Handle string `json:"handle,omitempty"`
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (g *Gateway) publishCommand(cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	token := g.client.Publish(g.topic("provision/command"), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", cmd.Op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Op, err)
	}
	return nil
}

type statusMessage struct {
	PowerReady        bool `json:"power_ready"`
	PermissionGranted bool `json:"permission_granted"`
}

func (g *Gateway) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	var status statusMessage
	if err := json.Unmarshal(msg.Payload(), &status); err != nil {
		g.logger.Warn("status decode failed", "error", err)
		return
	}

	g.mu.Lock()
	wasReady := g.powerReady
	g.powerReady = status.PowerReady
	g.mu.Unlock()

	if status.PowerReady && !wasReady && g.provisioning != nil {
		g.provisioning.OnPowerReady()
	}
	if g.monitor != nil {
		g.monitor.OnPermissionChanged(status.PermissionGranted)
	}
}

type provisionEvent struct {
	Event   string `json:"event"`
	Handle  string `json:"handle,omitempty"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi,omitempty"`
	Minor   uint16 `json:"minor,omitempty"`
	Message string `json:"message,omitempty"`
}

func (g *Gateway) handleProvisionEvent(_ mqtt.Client, msg mqtt.Message) {
	if g.provisioning == nil {
		return
	}

	var ev provisionEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		g.logger.Warn("provision event decode failed", "error", err)
		return
	}

	switch ev.Event {
	case "discovered":
		g.provisioning.OnDiscovered(model.DiscoveredSensor{Handle: ev.Handle, Name: ev.Name, RSSI: ev.RSSI})
	case "connected":
		g.provisioning.OnConnected()
	case "services_discovered":
		g.provisioning.OnServicesDiscovered()
	case "characteristics_discovered":
		g.provisioning.OnCharacteristicsDiscovered(ev.Minor)
	case "write_ack":
		g.provisioning.OnWriteAck()
	case "commit_ack":
		g.provisioning.OnCommitAck()
	case "error":
		g.provisioning.OnTransportError(fmt.Errorf("gateway: %s", ev.Message))
	default:
		g.logger.Debug("unknown provision event", "event", ev.Event)
	}
}

type sightingsMessage struct {
	Source    string           `json:"source"`
	Sightings []model.Sighting `json:"sightings"`
}

func (g *Gateway) handleSightings(_ mqtt.Client, msg mqtt.Message) {
	if g.monitor == nil {
		return
	}

	var pass sightingsMessage
	if err := json.Unmarshal(msg.Payload(), &pass); err != nil {
		g.logger.Warn("sightings decode failed", "error", err)
		g.diag.Record("sightings decode failed", err.Error())
		return
	}

	source := model.Source(pass.Source)
	if source != model.SourceForeground {
		source = model.SourceBackground
	}
	g.monitor.RangingPass(pass.Sightings, source)
}

type regionMessage struct {
	Event string `json:"event"`
	Minor uint16 `json:"minor"`
}

func (g *Gateway) handleRegion(_ mqtt.Client, msg mqtt.Message) {
	if g.monitor == nil {
		return
	}

	var region regionMessage
	if err := json.Unmarshal(msg.Payload(), &region); err != nil {
		g.logger.Warn("region event decode failed", "error", err)
		return
	}
	if region.Event != "exit" {
		return
	}
	g.monitor.OnRegionExit(region.Minor, model.SourceBackground)
}

func (g *Gateway) topic(suffix string) string {
	return fmt.Sprintf("presencehub/gateway/%s/%s", g.id, suffix)
}
