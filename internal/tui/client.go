package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/gateway"
)

// FleetClient polls GET /v1/workers with a service token.
type FleetClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c FleetClient) Fetch(ctx context.Context) (gateway.FleetView, error) {
	var view gateway.FleetView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+"/v1/workers", nil)
	if err != nil {
		return view, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return view, fmt.Errorf("fetch fleet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return view, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return view, fmt.Errorf("decode fleet: %w", err)
	}
	return view, nil
}

// Provider adapts Fetch to the dashboard poll.
func (c FleetClient) Provider(ctx context.Context) StatusProvider {
	return func() Snapshot {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		view, err := c.Fetch(fctx)
		return Snapshot{Fleet: view, Err: err, FetchedAt: time.Now()}
	}
}
