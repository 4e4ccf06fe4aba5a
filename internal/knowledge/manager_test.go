package knowledge

import (
	"context"
	"testing"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// fakeSearcher records requests and serves canned chunks.
type fakeSearcher struct {
	requests []SearchRequest
	results  map[string][]Chunk // keyed by first service, symptom, or query
	fallback []Chunk
}

func (f *fakeSearcher) Search(_ context.Context, req SearchRequest) ([]Chunk, error) {
	f.requests = append(f.requests, req)
	for _, key := range append(append(req.Services, req.Symptoms...), req.Query) {
		if chunks, ok := f.results[key]; ok {
			return chunks, nil
		}
	}
	return f.fallback, nil
}

func TestQueryForInvestigationFiltersAndRanks(t *testing.T) {
	searcher := &fakeSearcher{fallback: []Chunk{
		{ID: "rb-1", Type: ChunkRunbook, Title: "checkout runbook", Score: 0.9},
		{ID: "rb-2", Type: ChunkRunbook, Title: "older runbook", Score: 0.5},
		{ID: "pm-1", Type: ChunkPostmortem, Title: "postmortem", Score: 0.7},
		{ID: "low", Type: ChunkRunbook, Title: "noise", Score: 0.1},
	}}
	m := NewManager(Options{Searcher: searcher})

	chunks := m.QueryForInvestigation(context.Background(), "checkout errors", []string{"checkout-api"})
	if len(chunks) != 3 {
		t.Fatalf("low-score chunk should be filtered, got %d chunks", len(chunks))
	}
	if chunks[0].ID != "rb-1" {
		t.Fatalf("chunks should rank by descending score: %+v", chunks)
	}
}

func TestQueryForNewServicesOnlyHitsUnseenFacets(t *testing.T) {
	searcher := &fakeSearcher{results: map[string][]Chunk{
		"payment-db": {{ID: "rb-db", Type: ChunkRunbook, Title: "db runbook", Score: 0.8}},
	}}
	m := NewManager(Options{Searcher: searcher})

	m.QueryForInvestigation(context.Background(), "q", []string{"checkout-api"})
	before := len(searcher.requests)

	// checkout-api is already seen; only payment-db should trigger a search.
	m.QueryForNewServices(context.Background(), []string{"checkout-api", "payment-db"})
	if len(searcher.requests) != before+1 {
		t.Fatalf("expected exactly one new search, got %d", len(searcher.requests)-before)
	}
	last := searcher.requests[len(searcher.requests)-1]
	if len(last.Services) != 1 || last.Services[0] != "payment-db" {
		t.Fatalf("search should target only unseen services: %+v", last)
	}

	// A repeat call with no unseen facets must not search at all.
	m.QueryForNewServices(context.Background(), []string{"payment-db"})
	if len(searcher.requests) != before+1 {
		t.Fatalf("repeat facets must not re-query")
	}
}

func TestMergeDedupesByIDKeepingHigherScore(t *testing.T) {
	searcher := &fakeSearcher{}
	m := NewManager(Options{Searcher: searcher})

	searcher.fallback = []Chunk{{ID: "rb-1", Type: ChunkRunbook, Title: "v1", Score: 0.6}}
	m.QueryForInvestigation(context.Background(), "first", nil)

	searcher.fallback = []Chunk{{ID: "rb-1", Type: ChunkRunbook, Title: "v2", Score: 0.9}}
	m.QueryForNewSymptoms(context.Background(), []string{"timeouts"})

	chunks := m.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("duplicate ids must merge: %+v", chunks)
	}
	if chunks[0].Score != 0.9 || chunks[0].Title != "v2" {
		t.Fatalf("higher score should win the merge: %+v", chunks[0])
	}
}

func TestTrimEnforcesPerTypeLimits(t *testing.T) {
	var fallback []Chunk
	for i := 0; i < 6; i++ {
		fallback = append(fallback, Chunk{
			ID:    string(rune('a' + i)),
			Type:  ChunkRunbook,
			Score: 0.5 + float64(i)*0.05,
		})
	}
	searcher := &fakeSearcher{fallback: fallback}
	m := NewManager(Options{Searcher: searcher, Limits: Limits{MaxRunbooks: 2}})

	chunks := m.QueryForInvestigation(context.Background(), "q", nil)
	if len(chunks) != 2 {
		t.Fatalf("runbooks should trim to 2, got %d", len(chunks))
	}
	if chunks[0].ID != "f" || chunks[1].ID != "e" {
		t.Fatalf("trim should keep the highest scores: %+v", chunks)
	}
}

func TestUpdateFromInvestigationStateUsesDeltas(t *testing.T) {
	searcher := &fakeSearcher{}
	m := NewManager(Options{Searcher: searcher})

	state := models.InvestigationState{
		ServicesDiscovered: []string{"checkout-api", "payment-db"},
		SymptomsIdentified: []string{"timeouts"},
	}
	m.UpdateFromInvestigationState(context.Background(), state, []string{"checkout-api"}, nil)

	if len(searcher.requests) != 2 {
		t.Fatalf("expected one service and one symptom query, got %d", len(searcher.requests))
	}
	if len(searcher.requests[0].Services) != 1 || searcher.requests[0].Services[0] != "payment-db" {
		t.Fatalf("service delta wrong: %+v", searcher.requests[0])
	}
	if len(searcher.requests[1].Symptoms) != 1 || searcher.requests[1].Symptoms[0] != "timeouts" {
		t.Fatalf("symptom delta wrong: %+v", searcher.requests[1])
	}
}
