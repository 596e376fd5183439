package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NATSConfig holds NATS connection settings for the dispatch client.
type NATSConfig struct {
	URL           string
	SubjectPrefix string // subjects are "<prefix>.<agent_id>"
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSClient dispatches envelopes as NATS requests and waits for the agent's reply.
type NATSClient struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSClient connects to NATS.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Name("opscore-dispatch"),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}
	return NewNATSClientFromConn(conn, cfg.SubjectPrefix), nil
}

// NewNATSClientFromConn wraps an existing connection.
func NewNATSClientFromConn(conn *nats.Conn, prefix string) *NATSClient {
	if prefix == "" {
		prefix = "task.assigned"
	}
	return &NATSClient{conn: conn, prefix: prefix}
}

// Subject returns the subject an agent listens on.
func (c *NATSClient) Subject(agentID string) string {
	return c.prefix + "." + agentID
}

// Dispatch publishes env on the agent's subject and decodes the reply as an Ack.
// No responders and timeouts are connectivity failures.
func (c *NATSClient) Dispatch(ctx context.Context, agentID string, env *Envelope) (*Ack, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	msg := nats.NewMsg(c.Subject(agentID))
	msg.Data = data
	msg.Header.Set("X-Task-ID", env.TaskID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}

	return parseAck(reply.Data)
}

// Close drains and closes the connection.
func (c *NATSClient) Close() error {
	return c.conn.Drain()
}

var _ Client = (*NATSClient)(nil)
