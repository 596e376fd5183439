package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxAckBytes caps how much of an agent response is read.
const maxAckBytes = 64 << 10

// HTTPClient posts envelopes to each agent's registered contact endpoint.
type HTTPClient struct {
	agents AgentLookup
	client *http.Client
}

// NewHTTPClient creates an HTTPClient. A nil httpClient uses a traced client
// with a 30s timeout.
func NewHTTPClient(agents AgentLookup, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPClient{agents: agents, client: httpClient}
}

// Dispatch POSTs env as JSON to the agent's contact endpoint and parses the ack.
func (c *HTTPClient) Dispatch(ctx context.Context, agentID string, env *Envelope) (*Ack, error) {
	reg, err := c.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	if reg.ContactEndpoint == "" {
		return nil, fmt.Errorf("agent %s has no contact endpoint", agentID)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.ContactEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", env.TaskID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrConnectivity, err)
	}

	if resp.StatusCode >= 300 {
		detail := gjson.GetBytes(data, "detail").String()
		if detail == "" {
			detail = gjson.GetBytes(data, "error").String()
		}
		return nil, fmt.Errorf("agent %s rejected task: %s %s", agentID, resp.Status, detail)
	}

	return parseAck(data)
}

// parseAck reads an ack body. An empty body is an implicit acceptance.
func parseAck(data []byte) (*Ack, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Ack{Status: "accepted"}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New("agent returned malformed acknowledgement")
	}

	ack := &Ack{
		Status:    gjson.GetBytes(data, "status").String(),
		MessageID: gjson.GetBytes(data, "message_id").String(),
		Detail:    gjson.GetBytes(data, "detail").String(),
	}
	if ack.MessageID == "" {
		ack.MessageID = gjson.GetBytes(data, "id").String()
	}
	if ack.Status == "" {
		ack.Status = "accepted"
	}
	if ack.Status == "rejected" || ack.Status == "error" {
		return ack, fmt.Errorf("agent rejected task: %s", ack.Detail)
	}
	return ack, nil
}

var _ Client = (*HTTPClient)(nil)
