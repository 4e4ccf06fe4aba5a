package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-agent/internal/cache"
)

// ChunkType classifies a knowledge base document.
type ChunkType string

const (
	ChunkRunbook      ChunkType = "runbook"
	ChunkPostmortem   ChunkType = "postmortem"
	ChunkKnownIssue   ChunkType = "known_issue"
	ChunkArchitecture ChunkType = "architecture"
	ChunkOwnership    ChunkType = "ownership"
)

// Chunk is one scored knowledge base document.
type Chunk struct {
	ID        string    `json:"id"`
	Type      ChunkType `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Services  []string  `json:"services,omitempty"`
	Symptoms  []string  `json:"symptoms,omitempty"`
	RootCause string    `json:"rootCause,omitempty"`
	Active    bool      `json:"active,omitempty"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SearchRequest narrows a knowledge base query.
type SearchRequest struct {
	Query    string      `json:"query,omitempty"`
	Types    []ChunkType `json:"types,omitempty"`
	Services []string    `json:"services,omitempty"`
	Symptoms []string    `json:"symptoms,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

// Searcher is the retrieval surface the context manager depends on.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)
}

// HTTPSearcher queries a vector search backend over REST, caching result sets
// behind a cache.Provider.
type HTTPSearcher struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	cacheTTL   time.Duration
}

// NewHTTPSearcher constructs a searcher. An empty endpoint yields a client
// that returns no chunks, so the agent runs without a knowledge base.
func NewHTTPSearcher(endpoint, apiKey string, timeout time.Duration, cacheProvider cache.Provider, cacheTTL time.Duration) *HTTPSearcher {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSearcher{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		cacheTTL:   cacheTTL,
	}
}

// Search posts the request to /v1/search and decodes the scored chunks.
func (s *HTTPSearcher) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	if s.endpoint == "" {
		return nil, nil
	}

	cacheKey := ""
	if s.cacheTTL > 0 {
		cacheKey = searchCacheKey(req)
		var cached []Chunk
		if err := cache.GetJSON(ctx, s.cache, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("knowledge search failed: %s", strings.TrimSpace(string(data)))
	}

	var decoded struct {
		Chunks []Chunk `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode knowledge response: %w", err)
	}

	if cacheKey != "" && len(decoded.Chunks) > 0 {
		_ = cache.SetJSON(ctx, s.cache, cacheKey, decoded.Chunks, s.cacheTTL)
	}
	return decoded.Chunks, nil
}

func searchCacheKey(req SearchRequest) string {
	types := make([]string, 0, len(req.Types))
	for _, t := range req.Types {
		types = append(types, string(t))
	}
	sort.Strings(types)
	services := append([]string(nil), req.Services...)
	sort.Strings(services)
	symptoms := append([]string(nil), req.Symptoms...)
	sort.Strings(symptoms)
	return fmt.Sprintf("knowledge:search:%s:%s:%s:%s:%d",
		req.Query, strings.Join(types, ","), strings.Join(services, ","), strings.Join(symptoms, ","), req.Limit)
}
