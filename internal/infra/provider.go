package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider answers Describe calls through the infrastructure inventory
// API of the observability backend.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider constructs a provider targeting the configured backend.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Describe posts the (region, service) pair to /api/v1/infra/inventory.
func (p *HTTPProvider) Describe(ctx context.Context, region, service string) (ServiceInventory, error) {
	if p.baseURL == "" {
		return ServiceInventory{}, fmt.Errorf("infra provider not configured")
	}

	body, err := json.Marshal(map[string]string{"region": region, "service": service})
	if err != nil {
		return ServiceInventory{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/infra/inventory", bytes.NewReader(body))
	if err != nil {
		return ServiceInventory{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ServiceInventory{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ServiceInventory{}, fmt.Errorf("inventory request failed with status %d", resp.StatusCode)
	}

	var inv ServiceInventory
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return ServiceInventory{}, fmt.Errorf("decode inventory: %w", err)
	}
	return inv, nil
}
