package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
)

// DefaultSubject carries new-event notifications
const DefaultSubject = "clusterd.events.new"

// Notifier wakes consumers when an event is stored. It only shortens
// propagation latency; the store remains the source of truth.
type Notifier interface {
	Notify(ctx context.Context, evt *model.CrossClusterEvent) error
	Subscribe(ctx context.Context, wake func()) (unsubscribe func(), err error)
}

// notification is the wire form of a wake-up
type notification struct {
	ID            string `json:"id"`
	Type          string `json:"event_type"`
	SourceCluster int    `json:"source_cluster"`
	TargetShards  []int  `json:"target_shards,omitempty"`
}

// NATSNotifier publishes wake-ups on a core NATS subject
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

var _ Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier creates a notifier on subject, or DefaultSubject if empty
func NewNATSNotifier(nc *nats.Conn, subject string, logger *zap.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{
		nc:      nc,
		subject: subject,
		logger:  logger.Named("notifier"),
	}
}

func (n *NATSNotifier) Notify(ctx context.Context, evt *model.CrossClusterEvent) error {
	data, err := json.Marshal(notification{
		ID:            evt.ID,
		Type:          evt.Type,
		SourceCluster: evt.SourceCluster,
		TargetShards:  evt.TargetShards,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Subscribe(ctx context.Context, wake func()) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var note notification
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			n.logger.Error("Failed to unmarshal notification", zap.Error(err))
			return
		}
		n.logger.Debug("Received event notification",
			zap.String("event_id", note.ID),
			zap.String("event_type", note.Type))
		wake()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}

	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	return func() { _ = sub.Unsubscribe() }, nil
}
