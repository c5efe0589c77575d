package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"presencehub/go-presence-hub/internal/config"
	"presencehub/go-presence-hub/internal/delivery"
	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/gateway"
	"presencehub/go-presence-hub/internal/model"
	"presencehub/go-presence-hub/internal/provisioning"
	"presencehub/go-presence-hub/internal/proximity"
	"presencehub/go-presence-hub/internal/store"
)

// App wires together the presence hub services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	diag        *diaglog.Log
	store       *store.Store
	queue       *delivery.Queue
	monitor     *proximity.Monitor
	coordinator *provisioning.Coordinator
	gateway     *gateway.Gateway
	mdns        *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.diag = diaglog.New(a.cfg.DiagCapacity)
	a.diag.Record("hub started", fmt.Sprintf("gateway=%s", a.cfg.GatewayID))

	targets := make([]delivery.Target, 0, len(a.cfg.WebhookURLs))
	for _, url := range a.cfg.WebhookURLs {
		targets = append(targets, delivery.Target{URL: url, Secret: a.cfg.WebhookSecret})
	}

	a.queue = delivery.New(targets, a.diag, a.logger, delivery.Options{
		Capacity:    a.cfg.QueueCapacity,
		TTL:         a.cfg.JobTTL,
		RetryDelays: a.cfg.RetryDelays,
	})

	gw := gateway.New(a.cfg.MQTTBrokerURL, a.cfg.GatewayID, a.diag, a.logger)
	a.gateway = gw

	a.coordinator = provisioning.New(gw, a.store, a.diag, a.logger, provisioning.Options{
		Policy:     provisioning.Policy(a.cfg.ReprovisionPolicy),
		NamePrefix: a.cfg.SensorNamePrefix,
		OnChange: func(snap provisioning.Snapshot) {
			a.logger.Debug("provisioning state changed", "state", snap.State, "writes", snap.WritesDone)
		},
	})

	a.monitor = proximity.New(gw, a.store, a.store, a.queue, a.diag, a.logger, proximity.Options{
		ExitThreshold: a.cfg.ExitThreshold,
	})
	// Monitoring start is a drain trigger: anything queued while offline
	// goes out as soon as the background session begins.
	a.monitor.OnStarted = func() {
		a.queue.Drain(ctx)
	}

	gw.Bind(a.coordinator, a.monitor)
	if err := gw.Dial(); err != nil {
		return err
	}
	defer gw.Close()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	go a.monitor.Run(ctx)
	go a.drainLoop(ctx)

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			a.coordinator.Cancel()
			a.monitor.Stop()
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		}
	}
}

// drainLoop fires the periodic drain trigger. Pending jobs are never sent on
// enqueue; this and the monitoring-start trigger are the only senders.
func (a *App) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.queue.Drain(ctx)
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/provisioning/start", a.handleProvisioningStart)
	mux.HandleFunc("/api/provisioning/sensors", a.handleProvisioningSensors)
	mux.HandleFunc("/api/provisioning/select", a.handleProvisioningSelect)
	mux.HandleFunc("/api/provisioning/config", a.handleProvisioningConfig)
	mux.HandleFunc("/api/provisioning/cancel", a.handleProvisioningCancel)
	mux.HandleFunc("/api/provisioning/state", a.handleProvisioningState)
	mux.HandleFunc("/api/sensors", a.handleSensors)
	mux.HandleFunc("/api/sensors/toggle", a.handleSensorToggle)
	mux.HandleFunc("/api/events", a.handleRecentEvents)
	mux.HandleFunc("/api/monitoring/start", a.handleMonitoringStart)
	mux.HandleFunc("/api/monitoring/stop", a.handleMonitoringStop)
	mux.HandleFunc("/api/delivery/drain", a.handleDrain)
	mux.HandleFunc("/api/diagnostics", a.handleDiagnostics)

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.coordinator == nil || a.monitor == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleProvisioningStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := a.coordinator.Start(); err != nil {
		a.writeProvisioningError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	a.writeJSON(w, a.coordinator.Snapshot())
}

func (a *App) handleProvisioningSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		Sensors []model.DiscoveredSensor `json:"sensors"`
	}{Sensors: a.coordinator.Sensors()}

	a.writeJSON(w, response)
}

func (a *App) handleProvisioningSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" {
		http.Error(w, "handle required", http.StatusBadRequest)
		return
	}

	if err := a.coordinator.Select(req.Handle); err != nil {
		a.writeProvisioningError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	a.writeJSON(w, a.coordinator.Snapshot())
}

func (a *App) handleProvisioningConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.SensorConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := a.coordinator.SubmitConfig(req); err != nil {
		a.writeProvisioningError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	a.writeJSON(w, a.coordinator.Snapshot())
}

func (a *App) handleProvisioningCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.coordinator.Cancel()
	a.writeJSON(w, a.coordinator.Snapshot())
}

func (a *App) handleProvisioningState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.writeJSON(w, a.coordinator.Snapshot())
}

func (a *App) handleSensors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listSensors(w, r)
	case http.MethodDelete:
		a.deleteSensor(w, r)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) listSensors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	configs, err := a.store.ListBeaconConfigs(ctx)
	if err != nil {
		a.logger.Error("failed to load beacon configs", "error", err)
		http.Error(w, "failed to load sensors", http.StatusInternalServerError)
		return
	}

	response := struct {
		Sensors []model.BeaconConfig `json:"sensors"`
	}{Sensors: configs}

	a.writeJSON(w, response)
}

// deleteSensor removes a beacon config. Removal only ever happens here, on
// an explicit user request.
func (a *App) deleteSensor(w http.ResponseWriter, r *http.Request) {
	minor, err := parseMinor(r.URL.Query().Get("minor"))
	if err != nil {
		http.Error(w, "minor query parameter required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.DeleteBeaconConfig(ctx, minor); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown sensor", http.StatusNotFound)
			return
		}
		a.logger.Error("failed to delete beacon config", "minor", minor, "error", err)
		http.Error(w, "failed to delete sensor", http.StatusInternalServerError)
		return
	}

	a.diag.Record("sensor removed", fmt.Sprintf("minor=%d", minor))
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSensorToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Minor    *uint16 `json:"minor"`
		IsActive *bool   `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minor == nil || req.IsActive == nil {
		http.Error(w, "minor and is_active required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.SetSensorActive(ctx, *req.Minor, *req.IsActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown sensor", http.StatusNotFound)
			return
		}
		a.logger.Error("failed to toggle sensor", "minor", *req.Minor, "error", err)
		http.Error(w, "failed to toggle sensor", http.StatusInternalServerError)
		return
	}

	a.diag.Record("sensor toggled", fmt.Sprintf("minor=%d active=%t", *req.Minor, *req.IsActive))
	a.writeJSON(w, map[string]any{"minor": *req.Minor, "is_active": *req.IsActive})
}

func (a *App) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	events, err := a.store.RecentProximityEvents(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load proximity events", "error", err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	response := struct {
		Events []model.ProximityEvent `json:"events"`
	}{Events: events}

	a.writeJSON(w, response)
}

func (a *App) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := a.monitor.Start(); err != nil {
		a.logger.Error("failed to start monitoring", "error", err)
		http.Error(w, "failed to start monitoring", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	a.writeJSON(w, map[string]any{"running": a.monitor.Running()})
}

func (a *App) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.monitor.Stop()
	a.writeJSON(w, map[string]any{"running": false})
}

func (a *App) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	go a.queue.Drain(context.Background())

	w.WriteHeader(http.StatusAccepted)
	a.writeJSON(w, map[string]any{"pending": a.queue.Pending()})
}

func (a *App) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(a.diag.Export()))
}

func (a *App) writeProvisioningError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, provisioning.ErrSessionActive), errors.Is(err, provisioning.ErrBadState):
		status = http.StatusConflict
	case errors.Is(err, provisioning.ErrUnknownSensor):
		status = http.StatusNotFound
	case errors.Is(err, provisioning.ErrConfigInvalid):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func (a *App) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func parseMinor(value string) (uint16, error) {
	parsed, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid minor %q: %w", value, err)
	}
	return uint16(parsed), nil
}
