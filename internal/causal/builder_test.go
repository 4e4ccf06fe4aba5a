package causal

import (
	"testing"

	"github.com/miradorstack/mirador-agent/internal/models"
)

func TestBuildForHypothesisMatchesDatabasePattern(t *testing.T) {
	b := New(Options{})
	h := models.HypothesisNode{
		ID:        "h-1",
		Statement: "payment-db connection pool exhausted",
		Category:  models.CategoryDatabase,
	}

	queries := b.BuildForHypothesis(h)
	if len(queries) == 0 {
		t.Fatalf("database statement should match the catalog")
	}

	foundPoolLogs := false
	for _, q := range queries {
		if q.HypothesisID != "h-1" {
			t.Fatalf("planned query must carry the hypothesis id: %+v", q)
		}
		if q.Tool == "get_logs" && q.Args["filter"] == "pool" {
			foundPoolLogs = true
			if q.Args["service"] != "payment-db" {
				t.Fatalf("service slot should be pre-filled from the statement: %v", q.Args)
			}
		}
	}
	if !foundPoolLogs {
		t.Fatalf("expected a pool-filtered log query, got %+v", queries)
	}
}

func TestBuildForHypothesisFallsBackToGeneric(t *testing.T) {
	b := New(Options{})
	h := models.HypothesisNode{ID: "h-2", Statement: "users report weirdness", Category: models.CategoryOther}

	queries := b.BuildForHypothesis(h)
	if len(queries) != 3 {
		t.Fatalf("generic fallback emits 3 exploratory queries, got %d", len(queries))
	}
	if queries[0].Tool != "list_alarms" || queries[0].Args["state"] != "alarm" {
		t.Fatalf("first fallback query should list firing alarms: %+v", queries[0])
	}
}

func TestPlanSortsDedupesAndCaps(t *testing.T) {
	b := New(Options{MaxQueries: 4})
	hypotheses := []models.HypothesisNode{
		{ID: "h-1", Statement: "checkout-api error rate elevated", Category: models.CategoryErrorRate},
		{ID: "h-2", Statement: "checkout-api failing with 500 errors", Category: models.CategoryErrorRate},
	}

	plan := b.Plan(hypotheses)
	if len(plan) > 4 {
		t.Fatalf("plan must respect maxQueries, got %d", len(plan))
	}

	seen := make(map[string]int)
	for _, q := range plan {
		seen[q.Tool+"|"+serializeArgs(q.Args)]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Fatalf("duplicate invocation in plan: %s", key)
		}
	}

	for i := 1; i < len(plan); i++ {
		if plan[i].Priority < plan[i-1].Priority {
			t.Fatalf("plan not ordered by priority: %+v", plan)
		}
	}
}

func TestIsQueryTooBroad(t *testing.T) {
	cases := []struct {
		name string
		q    PlannedQuery
		want bool
	}{
		{"no service", PlannedQuery{Tool: "get_metrics", Args: map[string]interface{}{"query": "x"}}, true},
		{"metrics without query body", PlannedQuery{Tool: "get_metrics", Args: map[string]interface{}{"service": "a"}}, true},
		{"logs without filter or severity", PlannedQuery{Tool: "get_logs", Args: map[string]interface{}{"service": "a"}}, true},
		{"scoped logs", PlannedQuery{Tool: "get_logs", Args: map[string]interface{}{"service": "a", "severity": "error"}}, false},
		{"service graph is global", PlannedQuery{Tool: "get_service_graph", Args: map[string]interface{}{}}, false},
	}
	for _, tc := range cases {
		if got := IsQueryTooBroad(tc.q); got != tc.want {
			t.Fatalf("%s: IsQueryTooBroad = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSuggestQueryRefinementsInjectsContext(t *testing.T) {
	broad := PlannedQuery{Tool: "get_logs", Args: map[string]interface{}{}}
	ctx := RefinementContext{Service: "checkout-api", ErrorType: "timeout", Start: "2026-03-01T12:00:00Z", End: "2026-03-01T13:00:00Z"}

	refined := SuggestQueryRefinements(broad, ctx)
	if refined.Args["service"] != "checkout-api" || refined.Args["filter"] != "timeout" {
		t.Fatalf("refinement should inject service and error type: %v", refined.Args)
	}
	if refined.Args["start"] != ctx.Start || refined.Args["end"] != ctx.End {
		t.Fatalf("refinement should inject the time range: %v", refined.Args)
	}
	if IsQueryTooBroad(refined) {
		t.Fatalf("refined query should no longer be broad: %v", refined.Args)
	}

	// The original invocation is left untouched.
	if len(broad.Args) != 0 {
		t.Fatalf("refinement must not mutate its input: %v", broad.Args)
	}
}

func TestSuggestQueryRefinementsSkipsBadTimestamps(t *testing.T) {
	broad := PlannedQuery{Tool: "get_logs", Args: map[string]interface{}{}}
	refined := SuggestQueryRefinements(broad, RefinementContext{Start: "yesterday", End: "now"})
	if _, ok := refined.Args["start"]; ok {
		t.Fatalf("non-RFC3339 start must not be injected: %v", refined.Args)
	}
	if _, ok := refined.Args["end"]; ok {
		t.Fatalf("non-RFC3339 end must not be injected: %v", refined.Args)
	}
}
