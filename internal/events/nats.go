package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"curve-market/internal/observability"
)

// NATSPublisher publishes event envelopes as JSON to "<prefix>.<topic>".
// The event id is set as the Nats-Msg-Id header so JetStream streams can
// deduplicate re-published events.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates a publisher over an existing connection.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger.Named("nats_publisher")}
}

// ConnectNATS dials a NATS server with reconnect logging.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("curve-market"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subject returns the NATS subject for a topic.
func (p *NATSPublisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish encodes ev and hands it to the NATS client's outbound buffer.
func (p *NATSPublisher) Publish(_ context.Context, topic string, ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(topic))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID())

	if err := p.conn.PublishMsg(msg); err != nil {
		observability.RecordPublishError("nats")
		p.logger.Warn("Publish failed",
			zap.String("subject", msg.Subject),
			zap.String("event_type", string(ev.Type())),
			zap.Error(err))
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	observability.RecordEventPublished("nats", string(ev.Type()))
	return nil
}
