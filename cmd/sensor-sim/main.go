// Command sensor-sim emulates a BLE gateway and a single provisionable
// sensor over MQTT. It answers provisioning commands with the matching
// events and, once monitoring starts, publishes periodic ranging passes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type command struct {
	Op     string `json:"op"`
	Handle string `json:"handle,omitempty"`
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
}

type provisionEvent struct {
	Event   string `json:"event"`
	Handle  string `json:"handle,omitempty"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi,omitempty"`
	Minor   uint16 `json:"minor,omitempty"`
	Message string `json:"message,omitempty"`
}

type sighting struct {
	Minor uint16    `json:"minor"`
	RSSI  int       `json:"rssi"`
	At    time.Time `json:"at"`
}

type sightingsPayload struct {
	Source    string     `json:"source"`
	Sightings []sighting `json:"sightings"`
}

type simulator struct {
	client    mqtt.Client
	gatewayID string

	handle string
	name   string
	minor  uint16

	mu         sync.Mutex
	monitoring bool
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	gatewayID := flag.String("gateway-id", "gateway-1", "Gateway identifier the hub is bound to")
	sensorName := flag.String("sensor-name", "RoomSense-01AB", "Advertised sensor name")
	handle := flag.String("handle", "sim-handle-1", "Opaque connection handle reported for the sensor")
	minor := flag.Uint("minor", 42, "Factory-burned minor identifier (0-65535)")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published ranging passes")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")

	flag.Parse()

	if *minor > 65535 {
		log.Fatalf("minor %d out of range", *minor)
	}

	clientID := fmt.Sprintf("sensor-sim-%s-%d", *gatewayID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	sim := &simulator{
		gatewayID: *gatewayID,
		handle:    *handle,
		name:      *sensorName,
		minor:     uint16(*minor),
	}

	sim.client = mqtt.NewClient(opts)
	if token := sim.client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if token := sim.client.Subscribe(sim.topic("provision/command"), 1, sim.handleCommand); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe: %v", token.Error())
	}

	sim.publishStatus()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			sim.client.Disconnect(250)
			return
		case <-ticker.C:
			sim.publishSightings(*baseRSSI, *rssiJitter)
		}
	}
}

// publishStatus advertises a ready radio and a granted scan permission. The
// message is retained so a hub connecting later still sees it.
func (s *simulator) publishStatus() {
	payload := []byte(`{"power_ready":true,"permission_granted":true}`)
	token := s.client.Publish(s.topic("status"), 1, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("status publish error: %v", err)
		return
	}
	log.Print("published gateway status: power ready, permission granted")
}

func (s *simulator) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	var cmd command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("failed to decode command: %v", err)
		return
	}
	log.Printf("received command op=%s handle=%s name=%s", cmd.Op, cmd.Handle, cmd.Name)

	switch cmd.Op {
	case "scan_start":
		s.publishEvent(provisionEvent{Event: "discovered", Handle: s.handle, Name: s.name, RSSI: -55})
	case "scan_stop":
	case "connect":
		s.publishEvent(provisionEvent{Event: "connected", Handle: cmd.Handle})
	case "discover_services":
		s.publishEvent(provisionEvent{Event: "services_discovered", Handle: cmd.Handle})
	case "discover_characteristics":
		s.publishEvent(provisionEvent{Event: "characteristics_discovered", Handle: cmd.Handle, Minor: s.minor})
	case "write":
		log.Printf("wrote characteristic %s=%s", cmd.Name, cmd.Value)
		s.publishEvent(provisionEvent{Event: "write_ack", Handle: cmd.Handle, Name: cmd.Name})
	case "commit":
		s.publishEvent(provisionEvent{Event: "commit_ack", Handle: cmd.Handle})
	case "disconnect":
	case "monitor_start":
		s.setMonitoring(true)
		log.Print("monitoring started")
	case "monitor_stop":
		s.setMonitoring(false)
		log.Print("monitoring stopped")
	default:
		log.Printf("ignoring unknown op %q", cmd.Op)
	}
}

func (s *simulator) setMonitoring(on bool) {
	s.mu.Lock()
	s.monitoring = on
	s.mu.Unlock()
}

func (s *simulator) isMonitoring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitoring
}

func (s *simulator) publishEvent(ev provisionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("failed to encode event: %v", err)
		return
	}

	token := s.client.Publish(s.topic("provision/event"), 1, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("event publish error: %v", err)
		return
	}
	log.Printf("published event %s", ev.Event)
}

func (s *simulator) publishSightings(baseRSSI, jitter int) {
	if !s.isMonitoring() {
		return
	}

	payload := sightingsPayload{
		Source: "background",
		Sightings: []sighting{{
			Minor: s.minor,
			RSSI:  randomRSSI(baseRSSI, jitter),
			At:    time.Now().UTC(),
		}},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to encode sightings: %v", err)
		return
	}

	token := s.client.Publish(s.topic("sightings"), 0, false, data)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("sightings publish error: %v", err)
		return
	}
	log.Printf("published ranging pass minor=%d rssi=%d", s.minor, payload.Sightings[0].RSSI)
}

func (s *simulator) topic(suffix string) string {
	return fmt.Sprintf("presencehub/gateway/%s/%s", s.gatewayID, suffix)
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
