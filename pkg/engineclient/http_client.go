package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnknownEngine is returned when no endpoint is configured for an engine.
var ErrUnknownEngine = errors.New("engineclient: no endpoint configured for engine")

// Endpoint is one engine's HTTP configuration.
type Endpoint struct {
	URL    string
	APIKey string
}

// HTTPClient queries answer engines over HTTP. Each engine gets a POST with
// the JSON request body and must answer with a Result document.
type HTTPClient struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

// NewHTTPClient builds a client for the given engine endpoints. The http
// client carries no timeout of its own; wrap with WithTimeout.
func NewHTTPClient(endpoints map[string]Endpoint) *HTTPClient {
	return &HTTPClient{
		endpoints: endpoints,
		client:    &http.Client{},
	}
}

// Engines returns the configured engine ids.
func (c *HTTPClient) Engines() []string {
	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	return ids
}

func (c *HTTPClient) Query(ctx context.Context, engineID string, req Request) (*Result, error) {
	ep, ok := c.endpoints[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engineID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("engineclient: failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engineclient: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engineclient: engine %s call failed: %w", engineID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("engineclient: engine %s response read failed: %w", engineID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Result{Success: false, ResponseTime: time.Since(started)},
			fmt.Errorf("engineclient: engine %s returned status %d", engineID, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("engineclient: engine %s returned undecodable body: %w", engineID, err)
	}
	if result.ResponseTime == 0 {
		result.ResponseTime = time.Since(started)
	}
	return &result, nil
}
