// Package syncengine drains the local durable queue toward the collector,
// preferring the live hub socket and falling back to the request/response
// API, with per-item backoff and per-priority retry budgets.
package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/client"
	"github.com/snrraptopack/fatigue/internal/model"
)

const (
	// historySize bounds the ring of past sync runs kept in metadata.
	historySize = 20

	// recoveryDelay defers the pass triggered by a network recovery so a
	// flapping link settles first.
	recoveryDelay = 2 * time.Second

	// attemptTimeout bounds one delivery attempt; the pass as a whole has
	// no deadline since progress is measured per item.
	attemptTimeout = 15 * time.Second
)

// Outbox is the durable queue the engine drains.
type Outbox interface {
	ListPending() []*model.QueueItem
	MarkDelivered(id uuid.UUID) error
	MarkRejected(id uuid.UUID, cause error) error
	RecordFailure(id uuid.UUID, cause error) error
	Failed() []model.FailedItem
	PendingCount() int
}

// SocketTransport is the preferred delivery path when live.
type SocketTransport interface {
	Live() bool
	Deliver(ctx context.Context, ev *model.Event) (*client.Ack, error)
}

// FallbackTransport is the request/response delivery path.
type FallbackTransport interface {
	SubmitAlert(ctx context.Context, ev *model.Event) (*client.Ack, error)
}

// Engine runs sync passes over a single outbox. One pass at a time:
// overlapping triggers coalesce into a no-op.
type Engine struct {
	outbox   Outbox
	socket   SocketTransport
	fallback FallbackTransport
	logger   *slog.Logger

	// onProgress, when set, fires after every delivery attempt in a pass.
	onProgress func(model.SyncProgress)

	inFlight atomic.Bool

	metaMu sync.Mutex
	meta   model.SyncMetadata

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// Config wires an Engine.
type Config struct {
	Outbox     Outbox
	Socket     SocketTransport // optional
	Fallback   FallbackTransport
	OnProgress func(model.SyncProgress) // optional
	Logger     *slog.Logger
}

// New creates an Engine; call Start for periodic passes or RunSyncPass
// directly.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		outbox:     cfg.Outbox,
		socket:     cfg.Socket,
		fallback:   cfg.Fallback,
		logger:     logger,
		onProgress: cfg.OnProgress,
		meta:       model.SyncMetadata{Status: model.SyncIdle},
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RunSyncPass walks the pending items in priority order and attempts
// delivery for each item that is due. Delivery failures never raise to the
// caller; they are recorded on the item and in the pass summary.
func (e *Engine) RunSyncPass(ctx context.Context) model.SyncRun {
	run := model.SyncRun{StartedAt: time.Now().UTC()}
	if !e.inFlight.CompareAndSwap(false, true) {
		// A pass is already running; coalesce.
		run.FinishedAt = run.StartedAt
		return run
	}
	defer e.inFlight.Store(false)

	e.setStatus(model.SyncRunning, "")

	items := e.outbox.ListPending()
	total := len(items)
	processed := 0
	now := time.Now().UTC()

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Exhausted() {
			run.Skipped++
			continue
		}
		if !item.Due(now) {
			// Backoff is per item; unrelated items keep draining.
			run.Skipped++
			continue
		}

		err := e.deliver(ctx, item.Event)
		processed++
		switch {
		case err == nil:
			if err := e.outbox.MarkDelivered(item.Event.ID); err != nil {
				e.logger.Warn("marking delivered", "event_id", item.Event.ID, "err", err)
			}
			run.Delivered++
		case isPermanent(err):
			e.logger.Warn("collector rejected event",
				"event_id", item.Event.ID, "kind", item.Event.Kind, "err", err)
			if err := e.outbox.MarkRejected(item.Event.ID, err); err != nil {
				e.logger.Warn("marking rejected", "event_id", item.Event.ID, "err", err)
			}
			run.Failed++
		default:
			if err := e.outbox.RecordFailure(item.Event.ID, err); err != nil {
				e.logger.Warn("recording failure", "event_id", item.Event.ID, "err", err)
			}
			run.Failed++
		}

		if e.onProgress != nil {
			e.onProgress(model.SyncProgress{Processed: processed, Total: total})
		}
	}

	run.FinishedAt = time.Now().UTC()
	e.recordRun(run)
	return run
}

// deliver attempts one event over the preferred transport.
func (e *Engine) deliver(ctx context.Context, ev *model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	if e.socket != nil && e.socket.Live() {
		if _, err := e.socket.Deliver(ctx, ev); err == nil {
			return nil
		} else if isPermanent(err) {
			return err
		}
		// Socket attempt failed transiently; same pass falls back to the
		// request/response path before recording a failure.
	}
	_, err := e.fallback.SubmitAlert(ctx, ev)
	return err
}

// Metadata returns a copy of the engine's sync health record, refreshed
// with the outbox's current counts.
func (e *Engine) Metadata() model.SyncMetadata {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	meta := e.meta
	meta.PendingCount = e.outbox.PendingCount()
	meta.FailedItems = e.outbox.Failed()
	meta.History = append([]model.SyncRun(nil), e.meta.History...)
	return meta
}

// Start launches the periodic pass loop. Passes also run on TriggerNow and
// OnNetworkRecovered signals, coalesced with the ticker.
func (e *Engine) Start(interval time.Duration) {
	e.started = true
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
			case <-e.trigger:
			}
			e.RunSyncPass(context.Background())
		}
	}()
}

// Stop shuts down the pass loop; a pass in progress finishes its item.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	close(e.stop)
	<-e.done
}

// TriggerNow schedules an immediate pass (manual trigger). No-op when a
// trigger is already pending.
func (e *Engine) TriggerNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// OnNetworkRecovered schedules a short-delayed pass after the network
// transitions back to reachable, coalesced with the periodic trigger.
func (e *Engine) OnNetworkRecovered() {
	time.AfterFunc(recoveryDelay, e.TriggerNow)
}

func (e *Engine) setStatus(status model.SyncStatus, msg string) {
	e.metaMu.Lock()
	e.meta.Status = status
	e.meta.Message = msg
	e.metaMu.Unlock()
}

func (e *Engine) recordRun(run model.SyncRun) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	e.meta.History = append(e.meta.History, run)
	if len(e.meta.History) > historySize {
		e.meta.History = e.meta.History[len(e.meta.History)-historySize:]
	}
	if run.Failed > 0 {
		e.meta.Status = model.SyncError
		e.meta.Message = "some events could not be delivered; they remain queued"
	} else {
		e.meta.Status = model.SyncSuccess
		e.meta.Message = ""
	}
	if run.Delivered > 0 || (run.Failed == 0 && run.Skipped == 0) {
		t := run.FinishedAt
		e.meta.LastSuccessfulSyncAt = &t
	}
}

// isPermanent reports whether the collector explicitly rejected the
// payload (retrying cannot succeed).
func isPermanent(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
