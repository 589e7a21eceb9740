// ABOUTME: Asynchronous audit logger with a bounded backlog that fails closed
// ABOUTME: A single writer goroutine drains the queue in order, retrying sink failures with backoff

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/assessor-labs/mcpgate/internal/dedupe"
)

// Defaults applied to zero Config fields.
const (
	DefaultBufferLimit  = 1024
	DefaultRetryInitial = 100 * time.Millisecond
	DefaultRetryMax     = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDedupeTTL    = 10 * time.Minute
	dedupeMaxEntries    = 10000
)

// Config configures a Logger.
type Config struct {
	// BufferLimit is the backlog size at which Admit starts failing.
	BufferLimit  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	WriteTimeout time.Duration
	DedupeTTL    time.Duration
	// OnHealthChange is called from the writer goroutine when the sink goes
	// degraded or recovers. It must not block.
	OnHealthChange func(healthy bool)
	Logger         *slog.Logger
}

type opKind int

const (
	opStart opKind = iota
	opFinish
	opSecurity
)

func (k opKind) String() string {
	switch k {
	case opStart:
		return "start"
	case opFinish:
		return "finish"
	default:
		return "security"
	}
}

type op struct {
	kind   opKind
	record Record
	event  SecurityEvent
}

// Logger queues audit writes and applies them to a Sink in order.
type Logger struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger
	seen   *dedupe.Cache
	now    func() time.Time

	mu      sync.Mutex
	queue   []op // head is the write in flight
	closing bool
	exited  bool

	wake     chan struct{}
	degraded atomic.Bool
	written  atomic.Int64
	dropped  atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewLogger starts a logger writing to sink.
func NewLogger(sink Sink, cfg Config) *Logger {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		sink:   sink,
		cfg:    cfg,
		logger: logger.With("component", "audit"),
		seen:   dedupe.New(cfg.DedupeTTL, dedupeMaxEntries),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Admit reports whether a new request may proceed. It fails with
// ErrUnavailable once the backlog reaches the buffer limit or the logger is closing.
func (l *Logger) Admit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closing {
		return fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	if len(l.queue) >= l.cfg.BufferLimit {
		return fmt.Errorf("%w: %d writes pending", ErrUnavailable, len(l.queue))
	}
	return nil
}

// Begin queues the starting record for an admitted request.
func (l *Logger) Begin(rec Record) error {
	if rec.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidRecord)
	}
	rec.Status = StatusStarting
	rec.EndTime = time.Time{}
	if rec.StartTime.IsZero() {
		rec.StartTime = l.now().UTC()
	}
	return l.enqueue(op{kind: opStart, record: rec})
}

// Complete queues the terminal record. It is never refused for backlog size.
func (l *Logger) Complete(rec Record) error {
	if rec.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidRecord)
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidRecord, rec.Status)
	}
	if rec.EndTime.IsZero() {
		rec.EndTime = l.now().UTC()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = rec.EndTime
	}
	rec.ErrorDetail = RedactText(rec.ErrorDetail)
	return l.enqueue(op{kind: opFinish, record: rec})
}

// Security queues a security event. Repeats of the same category for the
// same request are ignored.
func (l *Logger) Security(ev SecurityEvent) error {
	if ev.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidRecord)
	}
	key := dedupe.Key(ev.RequestID, string(ev.Category))
	if !l.seen.FirstSighting(key) {
		l.logger.Debug("duplicate security event ignored", "request_id", ev.RequestID, "category", ev.Category)
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	ev.Detail = RedactText(ev.Detail)
	if err := l.enqueue(op{kind: opSecurity, event: ev}); err != nil {
		l.seen.Forget(key)
		return err
	}
	return nil
}

func (l *Logger) enqueue(o op) error {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		l.dropped.Add(1)
		l.logger.Error("audit write after shutdown", "kind", o.kind, "request_id", requestIDOf(o))
		return ErrClosed
	}
	l.queue = append(l.queue, o)
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *Logger) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Healthy reports whether the sink is accepting writes.
func (l *Logger) Healthy() bool {
	return !l.degraded.Load()
}

// Backlog returns the number of writes not yet durable.
func (l *Logger) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Written returns the number of writes applied to the sink.
func (l *Logger) Written() int64 {
	return l.written.Load()
}

// Dropped returns the number of writes given up on.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.closing {
				l.exited = true
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		next := l.queue[0]
		l.mu.Unlock()

		if err := l.write(next); err != nil {
			// Only cancellation ends retries; whatever is left is lost.
			l.mu.Lock()
			lost := len(l.queue)
			l.queue = nil
			l.exited = true
			l.mu.Unlock()
			l.dropped.Add(int64(lost))
			l.logger.Error("audit writer stopped with unflushed writes", "lost", lost, "error", err)
			return
		}

		l.mu.Lock()
		l.queue[0] = op{}
		l.queue = l.queue[1:]
		l.mu.Unlock()
	}
}

// write applies o to the sink, retrying transient failures until they succeed
// or the logger is cancelled.
func (l *Logger) write(o op) error {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     l.cfg.RetryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         l.cfg.RetryMax,
	}

	_, err := backoff.Retry(l.ctx, func() (struct{}, error) {
		err := l.apply(o)
		if errors.Is(err, ErrRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if !l.degraded.Swap(true) {
				l.logger.Warn("audit sink degraded", "kind", o.kind, "request_id", requestIDOf(o), "error", err)
				l.notifyHealth(false)
			}
			l.logger.Debug("retrying audit write", "kind", o.kind, "wait", wait, "error", err)
		}),
	)

	switch {
	case err == nil:
		l.written.Add(1)
	case errors.Is(err, ErrRejected):
		l.dropped.Add(1)
		l.logger.Warn("audit write rejected by sink", "kind", o.kind, "request_id", requestIDOf(o), "error", err)
	default:
		return err
	}

	if l.degraded.Swap(false) {
		l.logger.Info("audit sink recovered")
		l.notifyHealth(true)
	}
	return nil
}

func (l *Logger) apply(o op) error {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.WriteTimeout)
	defer cancel()

	switch o.kind {
	case opStart:
		return l.sink.Start(ctx, o.record)
	case opFinish:
		return l.sink.Finish(ctx, o.record)
	default:
		return l.sink.Security(ctx, o.event)
	}
}

func (l *Logger) notifyHealth(healthy bool) {
	if l.cfg.OnHealthChange != nil {
		l.cfg.OnHealthChange(healthy)
	}
}

// Close stops admitting requests, flushes the backlog, and closes the sink.
// If ctx ends first, pending writes are abandoned and ctx's error returned.
func (l *Logger) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closing = true
		l.mu.Unlock()
		l.signal()

		var flushErr error
		select {
		case <-l.done:
		case <-ctx.Done():
			l.cancel()
			<-l.done
			flushErr = fmt.Errorf("flushing audit log: %w", ctx.Err())
		}
		l.cancel()
		l.seen.Close()
		l.closeErr = errors.Join(flushErr, l.sink.Close())
	})
	return l.closeErr
}

func requestIDOf(o op) string {
	if o.kind == opSecurity {
		return o.event.RequestID
	}
	return o.record.RequestID
}
