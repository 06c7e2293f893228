package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jkaninda/percy/internal/workflow"
)

// Notifier defaults.
const (
	DefaultQueueSize     = 256
	DefaultWorkers       = 4
	defaultRatePerSecond = 50
)

// Notifier errors. Both count as a failed notification.
var (
	ErrQueueFull       = errors.New("notification queue full")
	ErrNotifierStopped = errors.New("notifier stopped")
)

// NotifierConfig configures the outbound notification pool.
type NotifierConfig struct {
	QueueSize     int     // Bounded queue capacity. 0 = 256.
	Workers       int     // Worker goroutines. 0 = 4.
	RatePerSecond float64 // Outbound trigger pace. 0 = 50/s.
	Burst         int     // Token bucket burst. 0 = Workers.
}

// Notification is one queued trigger of the workflow engine.
type Notification struct {
	ExecutionID   string
	AgentID       string
	CallerID      string
	CorrelationID string
	WorkflowRef   string
	Body          json.RawMessage
	EnqueuedAt    time.Time
}

// notifyFunc receives the outcome of a notification.
type notifyFunc func(ctx context.Context, n Notification, res *workflow.TriggerResult, err error)

// Notifier delivers notifications to the workflow engine on a fixed worker pool.
// Enqueue never blocks: a full queue is reported to the caller.
type Notifier struct {
	engine  workflow.Engine
	queue   chan Notification
	workers int
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	stopped bool
	started bool
	onDone  notifyFunc
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier that triggers engine.
func NewNotifier(engine workflow.Engine, cfg NotifierConfig, metrics *Metrics, logger *slog.Logger) *Notifier {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = workers
	}

	return &Notifier{
		engine:  engine,
		queue:   make(chan Notification, size),
		workers: workers,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
		metrics: metrics,
	}
}

// bind sets the outcome callback. Called once by the Dispatcher that owns the notifier.
func (n *Notifier) bind(fn notifyFunc) {
	n.mu.Lock()
	n.onDone = fn
	n.mu.Unlock()
}

// Start launches the workers. Workers keep ctx's values but not its
// cancellation: cancelling ctx does not abort queued sends, Shutdown does.
// The returned stop function drains the queue without a deadline.
func (n *Notifier) Start(ctx context.Context) (stop func()) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return func() {}
	}
	n.started = true
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.mu.Unlock()

	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.work(workCtx)
	}

	return func() {
		_ = n.Shutdown(context.Background())
	}
}

// Shutdown stops accepting notifications and waits for the queue to drain.
// If ctx ends first, in-flight and remaining sends are cancelled and reported
// as failed, and the context error is returned. Safe to call more than once.
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.stopped {
		n.stopped = true
		close(n.queue)
	}
	cancel := n.cancel
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("draining notifications: %w", ctx.Err())
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// Enqueue adds a notification without blocking.
func (n *Notifier) Enqueue(note Notification) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return ErrNotifierStopped
	}
	if note.EnqueuedAt.IsZero() {
		note.EnqueuedAt = time.Now()
	}
	select {
	case n.queue <- note:
		n.metrics.setQueueDepth(len(n.queue))
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(n.queue))
	}
}

// Len returns the number of queued notifications.
func (n *Notifier) Len() int {
	return len(n.queue)
}

func (n *Notifier) work(ctx context.Context) {
	defer n.wg.Done()
	for note := range n.queue {
		n.metrics.setQueueDepth(len(n.queue))
		res, err := n.deliver(ctx, note)

		n.mu.RLock()
		done := n.onDone
		n.mu.RUnlock()
		if done != nil {
			done(ctx, note, res, err)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, note Notification) (res *workflow.TriggerResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notification panic: %v", p)
		}
	}()

	if err := n.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for send slot: %w", err)
	}
	res, err = n.engine.Trigger(ctx, note.WorkflowRef, note.Body)
	if err != nil {
		n.logger.WarnContext(ctx, "workflow notification failed",
			slog.String("execution_id", note.ExecutionID),
			slog.String("workflow_ref", note.WorkflowRef),
			slog.String("correlation_id", note.CorrelationID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return res, nil
}
