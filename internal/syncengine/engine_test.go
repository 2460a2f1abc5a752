package syncengine

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/snrraptopack/fatigue/internal/client"
	"github.com/snrraptopack/fatigue/internal/model"
	"github.com/snrraptopack/fatigue/internal/queue"
)

// flakyFallback fails the first failures attempts, then acknowledges
// everything, recording delivery order.
type flakyFallback struct {
	mu       sync.Mutex
	failures int
	calls    int
	order    []string
}

func (f *flakyFallback) SubmitAlert(ctx context.Context, ev *model.Event) (*client.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	f.order = append(f.order, ev.Kind+":"+ev.ID.String())
	return &client.Ack{EventID: ev.ID.String(), Created: true}, nil
}

// rejectingFallback always answers with a permanent 400.
type rejectingFallback struct{}

func (rejectingFallback) SubmitAlert(ctx context.Context, ev *model.Event) (*client.Ack, error) {
	return nil, &client.APIError{StatusCode: http.StatusBadRequest, Message: "malformed payload"}
}

func openOutbox(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "outbox.jsonl"))
	if err != nil {
		t.Fatalf("opening outbox: %v", err)
	}
	return q
}

func enqueue(t *testing.T, q *queue.Queue, kind string, p model.Priority, createdAt time.Time) *model.Event {
	t.Helper()
	ev := model.NewEvent(kind, p, "driver-1", []byte(`{}`))
	ev.CreatedAt = createdAt
	if err := q.Enqueue(ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return ev
}

// TestDrainScenario exercises the mixed-priority drain: three events (low,
// critical, low by creation time) against a transport that fails its first
// two attempts. The critical event drains first regardless of creation
// order, status ends at success, and the pending count reaches zero.
func TestDrainScenario(t *testing.T) {
	q := openOutbox(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	low1 := enqueue(t, q, "low1", model.PriorityLow, base)
	crit := enqueue(t, q, "critical", model.PriorityCritical, base.Add(time.Second))
	low2 := enqueue(t, q, "low2", model.PriorityLow, base.Add(2*time.Second))

	fb := &flakyFallback{failures: 2}
	eng := New(Config{Outbox: q, Fallback: fb})

	if got := eng.Metadata().Status; got != model.SyncIdle {
		t.Fatalf("expected idle before first pass, got %s", got)
	}

	// First pass: critical and low1 fail (two transport failures), low2
	// delivers.
	run := eng.RunSyncPass(context.Background())
	if run.Delivered != 1 || run.Failed != 2 {
		t.Fatalf("first pass: expected 1 delivered / 2 failed, got %+v", run)
	}

	// Remaining items are inside their backoff window; wait it out.
	// First failure backoff is 2s.
	time.Sleep(2100 * time.Millisecond)

	run = eng.RunSyncPass(context.Background())
	if run.Delivered != 2 || run.Failed != 0 {
		t.Fatalf("second pass: expected 2 delivered, got %+v", run)
	}

	meta := eng.Metadata()
	if meta.Status != model.SyncSuccess {
		t.Errorf("expected success status, got %s", meta.Status)
	}
	if meta.PendingCount != 0 {
		t.Errorf("expected pending count 0, got %d", meta.PendingCount)
	}
	if meta.LastSuccessfulSyncAt == nil {
		t.Errorf("expected last successful sync recorded")
	}

	// Drain order: critical first despite later creation, then low1, low2.
	want := []string{
		"low2:" + low2.ID.String(), // only survivor of pass 1
		"critical:" + crit.ID.String(),
		"low1:" + low1.ID.String(),
	}
	// Pass 1 order was critical (fail), low1 (fail), low2 (ok); pass 2
	// order is critical, low1. So acknowledged order is low2, critical, low1,
	// which still delivers critical ahead of the earlier-created low1.
	if len(fb.order) != 3 {
		t.Fatalf("expected 3 acknowledged deliveries, got %d", len(fb.order))
	}
	for i := range want {
		if fb.order[i] != want[i] {
			t.Errorf("delivery %d: expected %s, got %s", i, want[i], fb.order[i])
		}
	}
}

func TestExhaustedItemsAreSkipped(t *testing.T) {
	q := openOutbox(t)
	ev := enqueue(t, q, "status_update", model.PriorityLow, time.Now().UTC())
	for i := 0; i < model.PriorityLow.MaxRetries(); i++ {
		if err := q.RecordFailure(ev.ID, errors.New("timeout")); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	fb := &flakyFallback{}
	eng := New(Config{Outbox: q, Fallback: fb})
	run := eng.RunSyncPass(context.Background())
	if run.Skipped != 1 || run.Delivered != 0 || run.Failed != 0 {
		t.Fatalf("expected exhausted item skipped, got %+v", run)
	}
	if fb.calls != 0 {
		t.Errorf("exhausted item must not be attempted")
	}

	meta := eng.Metadata()
	if len(meta.FailedItems) != 1 || !meta.FailedItems[0].Exhausted {
		t.Errorf("exhausted item must stay enumerable, got %+v", meta.FailedItems)
	}
}

func TestThrottledItemDoesNotBlockDueItem(t *testing.T) {
	q := openOutbox(t)
	throttled := enqueue(t, q, "a", model.PriorityHigh, time.Now().UTC())
	if err := q.RecordFailure(throttled.ID, errors.New("timeout")); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	enqueue(t, q, "b", model.PriorityHigh, time.Now().UTC())

	fb := &flakyFallback{}
	run := New(Config{Outbox: q, Fallback: fb}).RunSyncPass(context.Background())
	if run.Delivered != 1 {
		t.Errorf("expected the due item delivered, got %+v", run)
	}
	if run.Skipped != 1 {
		t.Errorf("expected the throttled item skipped, got %+v", run)
	}
}

func TestPermanentRejectionExhaustsImmediately(t *testing.T) {
	q := openOutbox(t)
	enqueue(t, q, "fatigue_alert", model.PriorityCritical, time.Now().UTC())

	eng := New(Config{Outbox: q, Fallback: rejectingFallback{}})
	run := eng.RunSyncPass(context.Background())
	if run.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", run)
	}

	// Rejected item is out of scheduling but still enumerable.
	run = eng.RunSyncPass(context.Background())
	if run.Skipped != 1 {
		t.Errorf("expected rejected item skipped on next pass, got %+v", run)
	}
	meta := eng.Metadata()
	if len(meta.FailedItems) != 1 || !meta.FailedItems[0].Exhausted {
		t.Errorf("expected rejected item enumerable as exhausted, got %+v", meta.FailedItems)
	}
}

func TestProgressReporting(t *testing.T) {
	q := openOutbox(t)
	enqueue(t, q, "a", model.PriorityMedium, time.Now().UTC())
	enqueue(t, q, "b", model.PriorityMedium, time.Now().UTC())

	var progress []model.SyncProgress
	eng := New(Config{
		Outbox:   q,
		Fallback: &flakyFallback{},
		OnProgress: func(p model.SyncProgress) {
			progress = append(progress, p)
		},
	})
	eng.RunSyncPass(context.Background())

	if len(progress) != 2 {
		t.Fatalf("expected 2 progress reports, got %d", len(progress))
	}
	if progress[1].Processed != 2 || progress[1].Total != 2 {
		t.Errorf("expected final progress 2/2, got %+v", progress[1])
	}
}

func TestConcurrentPassesCoalesce(t *testing.T) {
	q := openOutbox(t)
	for i := 0; i < 50; i++ {
		enqueue(t, q, "status_update", model.PriorityLow, time.Now().UTC())
	}

	fb := &flakyFallback{}
	eng := New(Config{Outbox: q, Fallback: fb})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.RunSyncPass(context.Background())
		}()
	}
	wg.Wait()

	// Exactly one pass ran: every item attempted once.
	if fb.calls != 50 {
		t.Errorf("expected 50 delivery attempts from a single pass, got %d", fb.calls)
	}
}

// socketStub prefers the socket path when live.
type socketStub struct {
	live  bool
	calls int
}

func (s *socketStub) Live() bool { return s.live }

func (s *socketStub) Deliver(ctx context.Context, ev *model.Event) (*client.Ack, error) {
	s.calls++
	return &client.Ack{EventID: ev.ID.String()}, nil
}

func TestLiveSocketPreferred(t *testing.T) {
	q := openOutbox(t)
	enqueue(t, q, "fatigue_alert", model.PriorityHigh, time.Now().UTC())

	sock := &socketStub{live: true}
	fb := &flakyFallback{}
	run := New(Config{Outbox: q, Socket: sock, Fallback: fb}).RunSyncPass(context.Background())

	if run.Delivered != 1 {
		t.Fatalf("expected delivery, got %+v", run)
	}
	if sock.calls != 1 || fb.calls != 0 {
		t.Errorf("expected socket transport used, got socket=%d fallback=%d", sock.calls, fb.calls)
	}
}

func TestSocketDownFallsBack(t *testing.T) {
	q := openOutbox(t)
	enqueue(t, q, "fatigue_alert", model.PriorityHigh, time.Now().UTC())

	sock := &socketStub{live: false}
	fb := &flakyFallback{}
	run := New(Config{Outbox: q, Socket: sock, Fallback: fb}).RunSyncPass(context.Background())

	if run.Delivered != 1 {
		t.Fatalf("expected delivery, got %+v", run)
	}
	if sock.calls != 0 || fb.calls != 1 {
		t.Errorf("expected fallback transport used, got socket=%d fallback=%d", sock.calls, fb.calls)
	}
}
