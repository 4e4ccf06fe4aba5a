package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-agent/internal/utils"
)

// ObservabilityClient wraps the observability backend's RCA helper APIs and
// exposes them as tools. One client backs several tool adapters.
type ObservabilityClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewObservabilityClient constructs a client targeting the configured backend.
func NewObservabilityClient(baseURL string, timeout time.Duration) *ObservabilityClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ObservabilityClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Tools returns the tool adapters backed by this client.
func (c *ObservabilityClient) Tools() []Tool {
	return []Tool{
		&queryTool{
			client:      c,
			name:        "get_metrics",
			description: "Query metric series for a service over a time range. Supports an optional PromQL-style query body.",
			path:        "/api/v1/rca/metrics",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"service": map[string]interface{}{"type": "string", "description": "Service to query"},
					"query":   map[string]interface{}{"type": "string", "description": "Metric selector or expression"},
					"start":   map[string]interface{}{"type": "string", "description": "RFC3339 window start"},
					"end":     map[string]interface{}{"type": "string", "description": "RFC3339 window end"},
				},
				"required": []string{"service"},
			},
		},
		&queryTool{
			client:      c,
			name:        "get_logs",
			description: "Fetch aggregated log entries for a service, optionally filtered by severity or a search pattern.",
			path:        "/api/v1/rca/logs",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"service":  map[string]interface{}{"type": "string"},
					"severity": map[string]interface{}{"type": "string", "enum": []string{"error", "warn", "info"}},
					"filter":   map[string]interface{}{"type": "string", "description": "Substring or pattern filter"},
					"start":    map[string]interface{}{"type": "string"},
					"end":      map[string]interface{}{"type": "string"},
				},
				"required": []string{"service"},
			},
		},
		&queryTool{
			client:      c,
			name:        "get_traces",
			description: "Fetch trace spans for a service, surfacing slow or errored operations.",
			path:        "/api/v1/rca/traces",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"service":   map[string]interface{}{"type": "string"},
					"operation": map[string]interface{}{"type": "string"},
					"start":     map[string]interface{}{"type": "string"},
					"end":       map[string]interface{}{"type": "string"},
				},
				"required": []string{"service"},
			},
		},
		&queryTool{
			client:      c,
			name:        "get_service_graph",
			description: "Fetch the observed service dependency edges for the incident window.",
			path:        "/api/v1/rca/service-graph",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"start": map[string]interface{}{"type": "string"},
					"end":   map[string]interface{}{"type": "string"},
				},
			},
		},
		&queryTool{
			client:      c,
			name:        "list_alarms",
			description: "List monitors and alarms, optionally restricted to those currently in alarm state.",
			path:        "/api/v1/rca/alarms",
			params: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"state":   map[string]interface{}{"type": "string", "enum": []string{"alarm", "ok", "all"}},
					"service": map[string]interface{}{"type": "string"},
				},
			},
		},
	}
}

// queryTool posts its args as JSON to one backend path and returns the decoded body.
type queryTool struct {
	client      *ObservabilityClient
	name        string
	description string
	path        string
	params      map[string]interface{}
}

func (t *queryTool) Name() string                       { return t.name }
func (t *queryTool) Description() string                { return t.description }
func (t *queryTool) Parameters() map[string]interface{} { return t.params }

func (t *queryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.client == nil || t.client.baseURL == "" {
		return nil, fmt.Errorf("observability backend not configured")
	}
	var result interface{}
	if err := t.client.postJSON(ctx, t.client.baseURL+t.path, args, &result); err != nil {
		return nil, utils.NewAppError(t.name, "backend request failed", err)
	}
	return result, nil
}

func (c *ObservabilityClient) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
