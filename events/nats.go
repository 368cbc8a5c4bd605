package events

import (
	"context"
	"encoding/json"
	"log/slog"
)

// DefaultSubjectPrefix is prepended to the event name to form the NATS subject
const DefaultSubjectPrefix = "nodeflows.events"

// MessagePublisher is satisfied by natsclient.Client
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSBridge mirrors bus events onto NATS subjects "<prefix>.<event name>"
type NATSBridge struct {
	client MessagePublisher
	prefix string
	logger *slog.Logger
	cancel func()
}

// NewNATSBridge subscribes to every event on bus and forwards it to client
func NewNATSBridge(bus *Bus, client MessagePublisher, prefix string, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	br := &NATSBridge{client: client, prefix: prefix, logger: logger}
	br.cancel = bus.SubscribeAll(br.forward)
	return br
}

// Subject returns the subject used for name
func (br *NATSBridge) Subject(name Name) string {
	return br.prefix + "." + string(name)
}

func (br *NATSBridge) forward(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		br.logger.Error("Failed to marshal event", "event", string(e.Name), "error", err)
		return
	}
	if err := br.client.Publish(ctx, br.Subject(e.Name), data); err != nil {
		br.logger.Warn("Failed to publish event to NATS", "event", string(e.Name), "error", err)
	}
}

// Close stops forwarding
func (br *NATSBridge) Close() {
	br.cancel()
}
