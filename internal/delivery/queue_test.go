package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/model"
)

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func (r *recordedSleep) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

func testEvent(minor uint16) model.ProximityEvent {
	return model.ProximityEvent{
		Minor:     minor,
		Type:      model.EventEnter,
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Source:    model.SourceBackground,
	}
}

func TestDrainDeliversOnFirstAttempt(t *testing.T) {
	var hits atomic.Int64
	var gotBody []byte
	var gotSignature string
	var bodyMu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		bodyMu.Lock()
		gotBody = body
		gotSignature = r.Header.Get(SignatureHeader)
		bodyMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sleeps := &recordedSleep{}
	q := New([]Target{{URL: server.URL, Secret: "hunter2"}}, diaglog.New(100), testLogger(t), Options{
		Sleep: sleeps.sleep,
	})

	q.Enqueue(testEvent(5))
	q.Drain(context.Background())

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
	if len(sleeps.all()) != 0 {
		t.Errorf("no sleep should precede the first attempt, got %v", sleeps.all())
	}
	if q.Pending() != 0 {
		t.Errorf("expected empty queue after successful drain, got %d pending", q.Pending())
	}

	bodyMu.Lock()
	defer bodyMu.Unlock()
	var payload struct {
		Minor     uint16 `json:"minor"`
		EventType string `json:"event_type"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.Minor != 5 || payload.EventType != "enter" || payload.Timestamp == "" {
		t.Errorf("unexpected payload: %s", gotBody)
	}
	if gotSignature != Sign(gotBody, "hunter2") {
		t.Errorf("signature mismatch: header=%s", gotSignature)
	}
}

func TestAlwaysFailingJobAttemptedExactlyKPlusOneTimes(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	delays := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	sleeps := &recordedSleep{}
	diag := diaglog.New(100)
	q := New([]Target{{URL: server.URL}}, diag, testLogger(t), Options{
		RetryDelays: delays,
		Sleep:       sleeps.sleep,
	})

	q.Enqueue(testEvent(5))
	q.Drain(context.Background())

	if got := hits.Load(); got != int64(len(delays)+1) {
		t.Fatalf("expected %d attempts for %d delays, got %d", len(delays)+1, len(delays), got)
	}

	slept := sleeps.all()
	if len(slept) != len(delays) {
		t.Fatalf("expected %d sleeps, got %v", len(delays), slept)
	}
	for i, want := range delays {
		if slept[i] != want {
			t.Errorf("sleep %d: expected %v, got %v", i, want, slept[i])
		}
	}
	// Regression: the longest configured delay must actually be used.
	if slept[len(slept)-1] != delays[len(delays)-1] {
		t.Errorf("final delay discarded: slept %v, wanted final %v", slept, delays[len(delays)-1])
	}

	if q.Pending() != 0 {
		t.Errorf("exhausted job must be dropped, got %d pending", q.Pending())
	}
	if !strings.Contains(diag.Export(), "webhook failed permanently") {
		t.Error("terminal failure not recorded in diagnostic log")
	}
}

func TestCapacityEvictsSoonestExpiringJob(t *testing.T) {
	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	q := New([]Target{{URL: "http://unreachable.invalid/hook"}}, diaglog.New(100), testLogger(t), Options{
		Capacity: 2,
		TTL:      time.Hour,
		Now:      now,
	})

	// Three jobs for one never-responding target; the first enqueued has the
	// soonest expiry and must be the one evicted.
	q.Enqueue(testEvent(1))
	advance(time.Minute)
	q.Enqueue(testEvent(2))
	advance(time.Minute)
	q.Enqueue(testEvent(3))

	if q.Pending() != 2 {
		t.Fatalf("expected 2 pending after eviction, got %d", q.Pending())
	}
	for _, job := range q.PendingJobs() {
		if job.Event.Minor == 1 {
			t.Errorf("soonest-expiring job (minor 1) should have been evicted")
		}
	}
}

func TestExpiredJobsDroppedUnattempted(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	q := New([]Target{{URL: server.URL}}, diaglog.New(100), testLogger(t), Options{
		TTL: time.Minute,
		Now: now,
	})

	q.Enqueue(testEvent(5))

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()

	q.Drain(context.Background())

	if got := hits.Load(); got != 0 {
		t.Errorf("expired job must be dropped unattempted, got %d attempts", got)
	}
	if q.Pending() != 0 {
		t.Errorf("expired job still pending")
	}
}

func TestDrainEmptyQueueIsNoOp(t *testing.T) {
	q := New([]Target{{URL: "http://unreachable.invalid/hook"}}, diaglog.New(100), testLogger(t), Options{})

	// Must return promptly and not panic.
	q.Drain(context.Background())
	q.Drain(context.Background())

	if q.Pending() != 0 {
		t.Errorf("unexpected pending jobs: %d", q.Pending())
	}
}

func TestEnqueueWithoutTargetsDropsEvent(t *testing.T) {
	q := New(nil, diaglog.New(100), testLogger(t), Options{})
	q.Enqueue(testEvent(5))
	if q.Pending() != 0 {
		t.Errorf("event queued despite no configured targets")
	}
}

func TestEnqueueFansOutPerTarget(t *testing.T) {
	q := New([]Target{
		{URL: "http://a.invalid/hook"},
		{URL: "http://b.invalid/hook", Secret: "s"},
	}, diaglog.New(100), testLogger(t), Options{})

	q.Enqueue(testEvent(5))
	if q.Pending() != 2 {
		t.Fatalf("expected one job per target, got %d", q.Pending())
	}
}

func TestCancelledDrainStopsRetrying(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	q := New([]Target{{URL: server.URL}}, diaglog.New(100), testLogger(t), Options{
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	q.Enqueue(testEvent(5))
	q.Drain(ctx)

	if got := hits.Load(); got != 1 {
		t.Errorf("expected retries to stop after cancellation, got %d attempts", got)
	}
}
