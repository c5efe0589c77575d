package model

import "time"

// DiscoveredSensor is a sensor seen during an active provisioning scan.
// It only exists for the lifetime of the scan.
type DiscoveredSensor struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	RSSI   int    `json:"rssi"`
}

// SensorConfig carries the values written to a sensor during provisioning.
type SensorConfig struct {
	NetworkSSID     string `json:"network_ssid"`
	NetworkPassword string `json:"network_password"`
	Room            string `json:"room"`
}

// BeaconConfig is the persisted record of a provisioned sensor. Minor
// identifiers are unique within the local configuration set.
type BeaconConfig struct {
	Minor     uint16    `json:"minor"`
	Room      string    `json:"room"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType distinguishes enter and exit transitions.
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
)

// Source tags which detection path observed a transition.
type Source string

const (
	SourceForeground Source = "foreground"
	SourceBackground Source = "background"
)

// ProximityEvent is an immutable presence transition fact. DurationSeconds
// is set only for exit events whose matching enter was observed.
type ProximityEvent struct {
	Minor           uint16    `json:"minor"`
	Type            EventType `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	Source          Source    `json:"source"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
}

// Sighting is a single minor observation within one ranging pass.
type Sighting struct {
	Minor uint16    `json:"minor"`
	RSSI  int       `json:"rssi"`
	At    time.Time `json:"at"`
}
