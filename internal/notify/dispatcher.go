// Package notify is the best-effort notification fan-out behind the workflow
// engine. Events are enqueued without blocking the caller, drained by a small
// worker pool, and published to NATS for the downstream notifications
// service. A failed or dropped event is logged and forgotten: the workflow
// transition that produced it has already committed and is never rolled back
// or retried because of a notification problem.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names the notification template a downstream consumer renders.
type EventType string

const (
	EventSubmissionCreated  EventType = "submission_created"
	EventApprovalRequired   EventType = "approval_required"
	EventSubmissionApproved EventType = "submission_approved"
	EventSubmissionRejected EventType = "submission_rejected"
	EventApprovalLinkIssued EventType = "approval_link_issued"
)

// Event is one notification to fan out.
type Event struct {
	Type         EventType      `json:"event_type"`
	CompanyID    string         `json:"company_id"`
	PlantID      string         `json:"plant_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Sender delivers one event to the notification transport.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// Dispatcher is the bounded background queue between workflow operations and
// the notification transport.
type Dispatcher struct {
	queue   chan Event
	sender  Sender
	log     zerolog.Logger
	timeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher starts a dispatcher with the given queue depth and worker
// count. Workers run until Close is called.
func NewDispatcher(sender Sender, log zerolog.Logger, buffer, workers int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 4
	}

	d := &Dispatcher{
		queue:   make(chan Event, buffer),
		sender:  sender,
		log:     log,
		timeout: 10 * time.Second,
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Dispatch enqueues an event without blocking. When the queue is full the
// event is dropped and logged; callers never wait on notification delivery.
func (d *Dispatcher) Dispatch(event Event) {
	select {
	case d.queue <- event:
	default:
		d.log.Warn().
			Str("event_type", string(event.Type)).
			Str("resource_id", event.ResourceID).
			Msg("notification: queue full, event dropped")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, event); err != nil {
			d.log.Warn().Err(err).
				Str("event_type", string(event.Type)).
				Str("resource_id", event.ResourceID).
				Msg("notification: delivery failed (non-fatal)")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued events to drain, up to
// ctx's deadline.
func (d *Dispatcher) Close(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.queue) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("notification: shutdown deadline reached before queue drained")
	}
}
