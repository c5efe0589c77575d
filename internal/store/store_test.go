package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"presencehub/go-presence-hub/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return s
}

func TestUpsertBeaconConfigKeepsMinorsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertBeaconConfig(ctx, model.BeaconConfig{Minor: 5, Room: "Kitchen", IsActive: true}); err != nil {
		t.Fatalf("UpsertBeaconConfig failed: %v", err)
	}
	if err := s.UpsertBeaconConfig(ctx, model.BeaconConfig{Minor: 5, Room: "Hallway", IsActive: false}); err != nil {
		t.Fatalf("UpsertBeaconConfig (second) failed: %v", err)
	}

	configs, err := s.ListBeaconConfigs(ctx)
	if err != nil {
		t.Fatalf("ListBeaconConfigs failed: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected one row for minor 5, got %d", len(configs))
	}
	if configs[0].Room != "Hallway" {
		t.Errorf("expected room 'Hallway' after overwrite, got %q", configs[0].Room)
	}
	if configs[0].IsActive {
		t.Errorf("expected is_active false after overwrite")
	}
}

func TestBeaconConfigExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.BeaconConfigExists(ctx, 9)
	if err != nil {
		t.Fatalf("BeaconConfigExists failed: %v", err)
	}
	if exists {
		t.Fatal("expected no config for minor 9")
	}

	if err := s.UpsertBeaconConfig(ctx, model.BeaconConfig{Minor: 9, Room: "Office", IsActive: true}); err != nil {
		t.Fatalf("UpsertBeaconConfig failed: %v", err)
	}

	exists, err = s.BeaconConfigExists(ctx, 9)
	if err != nil {
		t.Fatalf("BeaconConfigExists failed: %v", err)
	}
	if !exists {
		t.Fatal("expected config for minor 9")
	}
}

func TestSetSensorActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSensorActive(ctx, 7, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown minor, got %v", err)
	}

	if err := s.UpsertBeaconConfig(ctx, model.BeaconConfig{Minor: 7, Room: "Bedroom", IsActive: true}); err != nil {
		t.Fatalf("UpsertBeaconConfig failed: %v", err)
	}
	if err := s.SetSensorActive(ctx, 7, false); err != nil {
		t.Fatalf("SetSensorActive failed: %v", err)
	}

	configs, err := s.ListBeaconConfigs(ctx)
	if err != nil {
		t.Fatalf("ListBeaconConfigs failed: %v", err)
	}
	if len(configs) != 1 || configs[0].IsActive {
		t.Errorf("expected minor 7 inactive, got %+v", configs)
	}
}

func TestDeleteBeaconConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.DeleteBeaconConfig(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown minor, got %v", err)
	}

	if err := s.UpsertBeaconConfig(ctx, model.BeaconConfig{Minor: 3, Room: "Garage", IsActive: true}); err != nil {
		t.Fatalf("UpsertBeaconConfig failed: %v", err)
	}
	if err := s.DeleteBeaconConfig(ctx, 3); err != nil {
		t.Fatalf("DeleteBeaconConfig failed: %v", err)
	}

	configs, err := s.ListBeaconConfigs(ctx)
	if err != nil {
		t.Fatalf("ListBeaconConfigs failed: %v", err)
	}
	if len(configs) != 0 {
		t.Errorf("expected empty config set, got %+v", configs)
	}
}

func TestProximityEventRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enterAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	duration := 125.5

	if err := s.InsertProximityEvent(ctx, model.ProximityEvent{
		Minor:     5,
		Type:      model.EventEnter,
		Source:    model.SourceBackground,
		Timestamp: enterAt,
	}); err != nil {
		t.Fatalf("InsertProximityEvent (enter) failed: %v", err)
	}

	if err := s.InsertProximityEvent(ctx, model.ProximityEvent{
		Minor:           5,
		Type:            model.EventExit,
		Source:          model.SourceBackground,
		Timestamp:       enterAt.Add(2 * time.Minute),
		DurationSeconds: &duration,
	}); err != nil {
		t.Fatalf("InsertProximityEvent (exit) failed: %v", err)
	}

	events, err := s.RecentProximityEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentProximityEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	exit := events[0]
	if exit.Type != model.EventExit {
		t.Fatalf("expected exit first (newest), got %s", exit.Type)
	}
	if exit.DurationSeconds == nil || *exit.DurationSeconds != duration {
		t.Errorf("expected exit duration %v, got %v", duration, exit.DurationSeconds)
	}

	enter := events[1]
	if enter.DurationSeconds != nil {
		t.Errorf("enter events must not carry a duration, got %v", *enter.DurationSeconds)
	}
	if !enter.Timestamp.Equal(enterAt) {
		t.Errorf("expected enter timestamp %v, got %v", enterAt, enter.Timestamp)
	}
}
