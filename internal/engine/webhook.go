package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weddingflow/guestsync/internal/model"
)

// WebhookEvent is a delivery-status callback from the messaging provider,
// already authenticated and decoded by the HTTP layer.
type WebhookEvent struct {
	EventID   string `json:"eventId"`
	GuestID   string `json:"guestId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"` // Unix nanos; 0 means "now"
}

// webhookStatuses maps provider status strings onto the message-status enum.
var webhookStatuses = map[string]model.MessageStatus{
	"sent":      model.MessageSent,
	"delivered": model.MessageDelivered,
	"failed":    model.MessageFailed,
}

// HandleWebhook translates a delivery callback into a guest update and runs
// it through the normal queue path, tagged as a webhook write so the
// resolver lets it land on the message-status field regardless of
// timestamps.
func (e *Engine) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	status, ok := webhookStatuses[ev.Status]
	if !ok {
		return fmt.Errorf("engine: unknown webhook status %q", ev.Status)
	}

	patch := model.GuestUpdate{
		MessageStatus: &status,
		ResponseDate:  ev.Timestamp,
		Source:        model.SourceWebhook,
	}

	if _, err := e.QueueUpdate(ctx, ev.EventID, ev.GuestID, patch); err != nil {
		return err
	}

	e.logger.Debug("webhook applied",
		slog.String("guest_id", ev.GuestID),
		slog.String("status", ev.Status),
	)

	return nil
}
