package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher fans notifications out to a Sink from a bounded queue.
//
// Notify never blocks: when the queue is full the event is dropped and a
// warning is logged. Sink errors are logged and never retried, so a failing
// sink can never hold up or undo an approval transition.
type Dispatcher struct {
	sink        Sink
	queue       chan *NotificationEvent
	sendTimeout time.Duration
	log         zerolog.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// DispatcherConfig sizes the queue and worker pool.
type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

// NewDispatcher starts cfg.Workers goroutines draining into sink.
func NewDispatcher(sink Sink, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		sink:        sink,
		queue:       make(chan *NotificationEvent, cfg.QueueSize),
		sendTimeout: cfg.SendTimeout,
		log:         log,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify enqueues event for delivery. Events without recipients are ignored.
func (d *Dispatcher) Notify(ctx context.Context, event *NotificationEvent) {
	if event == nil || len(event.Recipients) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Str("event_type", event.EventType).Msg("notification: dispatcher closed, event dropped")
		return
	}

	select {
	case d.queue <- event:
	default:
		d.log.Warn().
			Str("event_type", event.EventType).
			Str("resource_id", event.ResourceID).
			Msg("notification: queue full, event dropped")
	}
}

// Close stops accepting events and waits for queued ones to drain or for
// ctx to end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event *NotificationEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event_type", event.EventType).Msg("notification: sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.sink.Send(ctx, event); err != nil {
		d.log.Warn().Err(err).
			Str("event_type", event.EventType).
			Str("resource_id", event.ResourceID).
			Msg("notification: delivery failed (non-fatal)")
		return
	}

	d.log.Debug().
		Str("event_type", event.EventType).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event delivered")
}
