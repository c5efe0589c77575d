package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the presence hub.
type Config struct {
	HTTPPort          int
	MQTTBrokerURL     string
	GatewayID         string
	DatabasePath      string
	LogLevel          string
	SensorNamePrefix  string
	ExitThreshold     time.Duration
	DrainInterval     time.Duration
	QueueCapacity     int
	JobTTL            time.Duration
	RetryDelays       []time.Duration
	WebhookURLs       []string
	WebhookSecret     string
	ReprovisionPolicy string
	DiagCapacity      int
	MDNSEnabled       bool
}

const (
	defaultHTTPPort         = 8080
	defaultMQTTBrokerURL    = "tcp://localhost:1883"
	defaultGatewayID        = "gateway-1"
	defaultDatabasePath     = "data/presencehub.db"
	defaultLogLevel         = "info"
	defaultSensorNamePrefix = "RoomSense"
	defaultExitThreshold    = 90 * time.Second
	defaultDrainInterval    = time.Minute
	defaultQueueCapacity    = 256
	defaultJobTTL           = 24 * time.Hour
	defaultPolicy           = "overwrite"
	defaultDiagCapacity     = 500
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBrokerURL:     defaultMQTTBrokerURL,
		GatewayID:         defaultGatewayID,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		SensorNamePrefix:  defaultSensorNamePrefix,
		ExitThreshold:     defaultExitThreshold,
		DrainInterval:     defaultDrainInterval,
		QueueCapacity:     defaultQueueCapacity,
		JobTTL:            defaultJobTTL,
		ReprovisionPolicy: defaultPolicy,
		DiagCapacity:      defaultDiagCapacity,
		MDNSEnabled:       true,
	}

	if v := os.Getenv("PRESENCEHUB_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("PRESENCEHUB_MQTT_BROKER"); v != "" {
		cfg.MQTTBrokerURL = v
	}

	if v := os.Getenv("PRESENCEHUB_GATEWAY_ID"); v != "" {
		cfg.GatewayID = v
	}

	if v := os.Getenv("PRESENCEHUB_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("PRESENCEHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("PRESENCEHUB_SENSOR_NAME_PREFIX"); v != "" {
		cfg.SensorNamePrefix = v
	}

	if v := os.Getenv("PRESENCEHUB_EXIT_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_EXIT_THRESHOLD: %q", v)
		}
		cfg.ExitThreshold = d
	}

	if v := os.Getenv("PRESENCEHUB_DRAIN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_DRAIN_INTERVAL: %q", v)
		}
		cfg.DrainInterval = d
	}

	if v := os.Getenv("PRESENCEHUB_QUEUE_CAPACITY"); v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil || capacity <= 0 {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_QUEUE_CAPACITY: %q", v)
		}
		cfg.QueueCapacity = capacity
	}

	if v := os.Getenv("PRESENCEHUB_JOB_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_JOB_TTL: %q", v)
		}
		cfg.JobTTL = d
	}

	if v := os.Getenv("PRESENCEHUB_RETRY_DELAYS"); v != "" {
		delays, err := parseDelays(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_RETRY_DELAYS: %w", err)
		}
		cfg.RetryDelays = delays
	}

	if v := os.Getenv("PRESENCEHUB_WEBHOOK_URLS"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			if url := strings.TrimSpace(raw); url != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, url)
			}
		}
	}

	cfg.WebhookSecret = os.Getenv("PRESENCEHUB_WEBHOOK_SECRET")

	if v := os.Getenv("PRESENCEHUB_REPROVISION_POLICY"); v != "" {
		policy := strings.ToLower(strings.TrimSpace(v))
		if policy != "overwrite" && policy != "reject" {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_REPROVISION_POLICY: %q", v)
		}
		cfg.ReprovisionPolicy = policy
	}

	if v := os.Getenv("PRESENCEHUB_DIAG_CAPACITY"); v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil || capacity <= 0 {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_DIAG_CAPACITY: %q", v)
		}
		cfg.DiagCapacity = capacity
	}

	if v := os.Getenv("PRESENCEHUB_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PRESENCEHUB_MDNS_ENABLED: %q", v)
		}
		cfg.MDNSEnabled = enabled
	}

	return cfg, nil
}

func parseDelays(value string) ([]time.Duration, error) {
	var delays []time.Duration
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad delay %q", raw)
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		return nil, fmt.Errorf("no delays given")
	}
	return delays, nil
}
