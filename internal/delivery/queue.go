// Package delivery guarantees bounded, at-least-once webhook delivery of
// proximity events. Jobs carry a TTL and a fixed retry schedule; the queue
// never grows past its capacity and never retries forever.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"presencehub/go-presence-hub/internal/diaglog"
	"presencehub/go-presence-hub/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-PresenceHub-Signature"

const (
	// DefaultTTL is how long a pending job survives undelivered.
	DefaultTTL = 24 * time.Hour
	// DefaultCapacity bounds the pending-job set.
	DefaultCapacity = 256
)

// DefaultRetryDelays is the fixed backoff schedule: one immediate attempt
// plus one retry per delay, sleeping before each retry.
var DefaultRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// Target is one configured webhook endpoint.
type Target struct {
	URL    string
	Secret string
}

// Job is one queued delivery attempt wrapping a single event for a single
// target.
type Job struct {
	ID        string
	Event     model.ProximityEvent
	Target    Target
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Queue holds pending webhook jobs and drains them on explicit triggers.
type Queue struct {
	targets  []Target
	capacity int
	ttl      time.Duration
	delays   []time.Duration

	client *http.Client
	logger *slog.Logger
	diag   *diaglog.Log

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	jobs     []*Job
	draining bool
}

// Options configures a Queue.
type Options struct {
	Capacity    int
	TTL         time.Duration
	RetryDelays []time.Duration
	Client      *http.Client
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// New constructs a queue for the given targets. A queue with no targets
// accepts events and silently drops them; nothing is configured to receive
// them.
func New(targets []Target, diag *diaglog.Log, logger *slog.Logger, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = DefaultRetryDelays
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Queue{
		targets:  targets,
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		delays:   opts.RetryDelays,
		client:   opts.Client,
		logger:   logger,
		diag:     diag,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
}

// Submit implements the proximity event sink.
func (q *Queue) Submit(ev model.ProximityEvent) {
	q.Enqueue(ev)
}

// Enqueue creates one pending job per configured target. When the queue is
// full the pending job with the soonest TTL expiry is evicted to admit the
// new one. Enqueue never sends; delivery happens on the next drain trigger.
func (q *Queue) Enqueue(ev model.ProximityEvent) {
	if len(q.targets) == 0 {
		return
	}

	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropExpiredLocked(now)

	for _, target := range q.targets {
		if len(q.jobs) >= q.capacity {
			q.evictSoonestExpiryLocked()
		}
		job := &Job{
			ID:        uuid.NewString(),
			Event:     ev,
			Target:    target,
			CreatedAt: now,
			ExpiresAt: now.Add(q.ttl),
		}
		q.jobs = append(q.jobs, job)
		q.diag.Record("webhook queued", fmt.Sprintf("minor=%d type=%s target=%s", ev.Minor, ev.Type, target.URL))
	}
}

// Pending reports the number of undelivered jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// PendingJobs returns a copy of the pending job set, soonest expiry first.
func (q *Queue) PendingJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	return out
}

// Drain delivers every currently pending job, running each job's full retry
// schedule concurrently, and blocks until all of them settle. Draining an
// empty queue is a no-op, and a drain already in flight makes this call
// return immediately; jobs enqueued meanwhile wait for the next trigger.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.dropExpiredLocked(q.now())
	jobs := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	if len(jobs) > 0 {
		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				q.deliver(ctx, j)
			}(job)
		}
		wg.Wait()
	}

	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// deliver runs one job through the retry schedule: k delays mean k+1 total
// attempts, with no sleep before the first attempt and the final configured
// delay slept before the final attempt.
func (q *Queue) deliver(ctx context.Context, job *Job) {
	for attempt := 0; attempt <= len(q.delays); attempt++ {
		if attempt > 0 {
			if err := q.sleep(ctx, q.delays[attempt-1]); err != nil {
				// Cancellation just stops the retries; no compensation.
				q.logger.Info("delivery cancelled", "job", job.ID, "attempts", job.Attempts)
				return
			}
		}

		if q.now().After(job.ExpiresAt) {
			q.diag.Record("webhook expired", fmt.Sprintf("target=%s attempts=%d", job.Target.URL, job.Attempts))
			q.logger.Warn("webhook job expired before delivery", "job", job.ID, "target", job.Target.URL)
			return
		}

		job.Attempts++
		err := q.send(ctx, job)
		if err == nil {
			q.logger.Info("webhook delivered", "job", job.ID, "target", job.Target.URL, "attempts", job.Attempts)
			return
		}
		q.logger.Warn("webhook attempt failed", "job", job.ID, "target", job.Target.URL, "attempt", job.Attempts, "error", err)
	}

	q.diag.Record("webhook failed permanently", fmt.Sprintf("target=%s attempts=%d", job.Target.URL, job.Attempts))
	q.logger.Error("webhook delivery exhausted retry schedule", "job", job.ID, "target", job.Target.URL, "attempts", job.Attempts)
}

func (q *Queue) send(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job.Event)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if job.Target.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, job.Target.Secret))
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// dropExpiredLocked discards pending jobs whose TTL has lapsed. They are
// dropped unattempted regardless of capacity pressure.
func (q *Queue) dropExpiredLocked(now time.Time) {
	kept := q.jobs[:0]
	for _, job := range q.jobs {
		if now.After(job.ExpiresAt) {
			q.diag.Record("webhook expired", fmt.Sprintf("target=%s attempts=%d", job.Target.URL, job.Attempts))
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept
}

func (q *Queue) evictSoonestExpiryLocked() {
	if len(q.jobs) == 0 {
		return
	}
	idx := 0
	for i, job := range q.jobs {
		if job.ExpiresAt.Before(q.jobs[idx].ExpiresAt) {
			idx = i
		}
	}
	evicted := q.jobs[idx]
	q.jobs = append(q.jobs[:idx], q.jobs[idx+1:]...)
	q.diag.Record("webhook evicted", fmt.Sprintf("target=%s expires=%s", evicted.Target.URL, evicted.ExpiresAt.Format(time.RFC3339)))
	q.logger.Warn("queue full, evicted soonest-expiring job", "job", evicted.ID, "target", evicted.Target.URL)
}

// Sign computes the hex HMAC-SHA256 of body under the shared secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
