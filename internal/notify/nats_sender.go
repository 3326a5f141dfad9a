package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Transport is the publish surface the NATS sender needs; satisfied by
// natsclient.Client.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSender publishes workflow events for the downstream notifications
// service.
//
// Subject convention: notifications.forms.<event_type>
// Event types: submission_created, approval_required, submission_approved,
//              submission_rejected, approval_link_issued
type NATSSender struct {
	transport Transport
	log       zerolog.Logger
}

// NewNATSSender creates a sender backed by the given transport. A nil
// transport yields a sender that silently discards events, which keeps the
// engine runnable without a broker in development.
func NewNATSSender(transport Transport, log zerolog.Logger) *NATSSender {
	return &NATSSender{transport: transport, log: log}
}

// Send publishes the event. Events with no recipients are skipped.
func (s *NATSSender) Send(ctx context.Context, event Event) error {
	if s.transport == nil {
		return nil
	}
	if len(event.Recipients) == 0 {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	subject := fmt.Sprintf("notifications.forms.%s", event.Type)
	if err := s.transport.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	s.log.Debug().
		Str("subject", subject).
		Str("resource_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}
