package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/protocol"
)

const maxConnectorResponse = 1 << 20

// Connector is one HTTP endpoint reachable through connector.action.
// Header values of the form "secret:NAME" are filled from the job secrets.
type Connector struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string
}

// ConnectorOutput is the connector.action result output.
type ConnectorOutput struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}

type Connectors struct {
	byID   map[string]Connector
	client *http.Client
}

func NewConnectors(list []Connector, client *http.Client) *Connectors {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	byID := make(map[string]Connector, len(list))
	for _, c := range list {
		if c.Method == "" {
			c.Method = http.MethodPost
		}
		byID[c.ID] = c
	}
	return &Connectors{byID: byID, client: client}
}

// IDs lists the configured connector ids, sorted, for the advertisement.
func (c *Connectors) IDs() []string {
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Execute forwards the payload to the connector endpoint. A 4xx or 5xx reply
// is a failure that still carries the response.
func (c *Connectors) Execute(ctx context.Context, job Job, emit Emit) (json.RawMessage, error) {
	conn, ok := c.byID[job.ConnectorID]
	if !ok {
		return nil, fmt.Errorf("unknown connector %q", job.ConnectorID)
	}
	req, err := http.NewRequestWithContext(ctx, conn.Method, conn.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return nil, fmt.Errorf("build connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", job.RequestID)
	for k, v := range conn.Headers {
		if name, isSecret := strings.CutPrefix(v, "secret:"); isSecret {
			secret, found := job.Secrets[name]
			if !found {
				return nil, fmt.Errorf("connector %q needs secret %q", conn.ID, name)
			}
			v = secret
		}
		req.Header.Set(k, v)
	}

	emit(protocol.ExecuteEvent{Type: "connector.request", Level: protocol.LevelInfo, Data: eventData(map[string]string{"connectorId": conn.ID})})
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", conn.ID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConnectorResponse))
	if err != nil {
		return nil, fmt.Errorf("read connector response: %w", err)
	}

	out := ConnectorOutput{Status: resp.StatusCode}
	if json.Valid(body) {
		out.Body = body
	} else {
		out.Text = string(body)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return raw, fmt.Errorf("connector %q returned %d", conn.ID, resp.StatusCode)
	}
	return raw, nil
}
