package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dealpact/dealpact/internal/metrics"
)

const (
	defaultQueueSize   = 1024
	defaultWorkers     = 4
	defaultSendTimeout = 30 * time.Second
)

// Dispatcher queues messages and delivers them from a fixed worker pool.
// Dispatch never blocks the caller; when the queue is full the message is
// dropped and counted.
type Dispatcher struct {
	notifier    Notifier
	logger      *slog.Logger
	queue       chan Message
	workers     int
	sendTimeout time.Duration

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the worker count.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

// WithSendTimeout bounds each delivery.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.sendTimeout = t }
}

// NewDispatcher creates a dispatcher over notifier.
func NewDispatcher(notifier Notifier, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier:    notifier,
		logger:      logger,
		queue:       make(chan Message, defaultQueueSize),
		workers:     defaultWorkers,
		sendTimeout: defaultSendTimeout,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Calling Start twice is a no-op.
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("notification dispatcher started", "workers", d.workers)
}

// Stop signals the workers and waits for them to drain the queue or for
// ctx to end, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("notification dispatcher stop timed out", "pending", len(d.queue))
	}
}

// Pending returns the number of queued, undelivered messages.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Dispatch enqueues messages. Messages with no recipient are skipped.
func (d *Dispatcher) Dispatch(_ context.Context, msgs ...Message) {
	for _, m := range msgs {
		if m.Recipient == 0 || m.Text == "" {
			continue
		}
		select {
		case d.queue <- m:
		default:
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("notification queue full, dropping message", "recipient", m.Recipient)
		}
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case m := <-d.queue:
			d.deliver(m)
		case <-d.stop:
			// drain what is already queued
			for {
				select {
				case m := <-d.queue:
					d.deliver(m)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(m Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("panic delivering notification", "recipient", m.Recipient, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.notifier.Send(ctx, m.Recipient, m.Text); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("notification failed", "recipient", m.Recipient, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
