package alerts

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"shiftbeep/internal/metrics"
	"shiftbeep/internal/models"
)

// Sink is one delivery target for fired alerts
type Sink interface {
	Name() string
	HandleAlert(ctx context.Context, event models.AlertEvent) error
}

// Stats counts dispatcher activity
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	SinkErrors int64 `json:"sink_errors"`
}

// Dispatcher fans fired alerts out to sinks from its own goroutine so
// a slow sink can never stall the evaluation tick. The queue is
// bounded; when it is full new alerts are dropped and counted.
type Dispatcher struct {
	sinks       []Sink
	queue       chan models.AlertEvent
	sinkTimeout time.Duration

	dispatched int64
	dropped    int64
	sinkErrors int64

	stopCh chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue size. A size
// of 0 falls back to 64, plenty for a device that beeps at a human.
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		queue:       make(chan models.AlertEvent, queueSize),
		sinkTimeout: 2 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// AddSink registers a delivery target. Must be called before Start.
func (d *Dispatcher) AddSink(sink Sink) {
	d.sinks = append(d.sinks, sink)
	log.Printf("[AlertDispatcher] Registered sink: %s", sink.Name())
}

// Start runs the delivery loop until the context is cancelled
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("[AlertDispatcher] Starting with %d sinks", len(d.sinks))

	for {
		select {
		case <-ctx.Done():
			log.Println("[AlertDispatcher] Context cancelled, stopping")
			return
		case <-d.stopCh:
			log.Println("[AlertDispatcher] Stop signal received, stopping")
			return
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

// Stop stops the delivery loop
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

// Dispatch queues one fired alert for delivery. Never blocks; a full
// queue drops the alert and counts it.
func (d *Dispatcher) Dispatch(event models.AlertEvent) {
	select {
	case d.queue <- event:
		atomic.AddInt64(&d.dispatched, 1)
	default:
		atomic.AddInt64(&d.dropped, 1)
		metrics.AlertsDropped.Add(1)
		log.Printf("[AlertDispatcher] Queue full, dropped alert for %s gear %d", event.CarID, event.Gear)
	}
}

// deliver hands one alert to every sink, each under its own timeout
func (d *Dispatcher) deliver(ctx context.Context, event models.AlertEvent) {
	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
		if err := sink.HandleAlert(sinkCtx, event); err != nil {
			atomic.AddInt64(&d.sinkErrors, 1)
			log.Printf("[AlertDispatcher] Sink %s failed: %v", sink.Name(), err)
		}
		cancel()
	}
}

// Stats returns the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: atomic.LoadInt64(&d.dispatched),
		Dropped:    atomic.LoadInt64(&d.dropped),
		SinkErrors: atomic.LoadInt64(&d.sinkErrors),
	}
}
