package compactor

import (
	"fmt"
	"testing"
	"time"

	"github.com/miradorstack/mirador-agent/internal/models"
)

func buildInput(n int) Input {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Input{
		Query:            "checkout latency spike",
		Summaries:        make(map[string]models.CompactSummary),
		ActiveHypotheses: map[string]struct{}{"h1": {}},
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%d", i+1)
		in.Results = append(in.Results, models.ToolResult{
			ResultID:  id,
			ToolName:  "get_metrics",
			Result:    map[string]interface{}{"status": "ok"},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		in.Summaries[id] = models.CompactSummary{ResultID: id, ShortText: "metrics ok", HealthStatus: models.HealthOK}
	}
	return in
}

func TestCompactKeepsCitedResultFull(t *testing.T) {
	in := buildInput(12)
	// r1 is the oldest and would otherwise be cleared; a strong-evidence note
	// tied to an active hypothesis must keep it in the full band.
	in.Notes = []models.InvestigationNote{{
		ID:               "n1",
		Type:             models.NoteEvidence,
		HypothesisID:     "h1",
		EvidenceStrength: models.EvidenceStrong,
		SourceResultIDs:  []string{"r1"},
	}}

	c := New(PresetWeights(PresetBalanced), Limits{MaxFullResults: 3, MaxCompactResults: 3, MinScoreForFull: 0.1, MinScoreToKeep: 0.05}, nil)
	plan := c.Compact(in)

	if !contains(plan.KeepFull, "r1") {
		t.Fatalf("cited strong-evidence result should stay full; plan full=%v compact=%v", plan.KeepFull, plan.Compact)
	}
	if len(plan.KeepFull) > 3 {
		t.Fatalf("maxFullResults violated: %v", plan.KeepFull)
	}
}

func TestCitedResultNeverClears(t *testing.T) {
	in := buildInput(12)
	in.Notes = []models.InvestigationNote{{
		ID:              "n1",
		Type:            models.NoteSymptom,
		SourceResultIDs: []string{"r2"},
	}}

	// Impossible thresholds force everything toward cleared.
	c := New(PresetWeights(PresetBalanced), Limits{MaxFullResults: 1, MaxCompactResults: 1, MinScoreForFull: 2, MinScoreToKeep: 2}, nil)
	plan := c.Compact(in)

	if contains(plan.Clear, "r2") {
		t.Fatalf("cited result must never drop below compact; clear=%v", plan.Clear)
	}
	if !contains(plan.Compact, "r2") {
		t.Fatalf("cited result should land in compact; compact=%v", plan.Compact)
	}
}

func TestEqualScoresPreferEarlierTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Input{
		Summaries: map[string]models.CompactSummary{
			"a": {HealthStatus: models.HealthOK},
			"b": {HealthStatus: models.HealthOK},
		},
		Results: []models.ToolResult{
			{ResultID: "a", Timestamp: base},
			{ResultID: "b", Timestamp: base.Add(time.Minute)},
		},
	}

	// Only recency distinguishes; zero its weight so both score identically.
	w := Weights{}
	c := New(w, Limits{MaxFullResults: 1, MaxCompactResults: 1}, nil)
	ranked := c.rank(in)
	if ranked[0].ResultID != "a" {
		t.Fatalf("earlier timestamp should win ties, got %s first", ranked[0].ResultID)
	}
}

func TestErrorSignalsDominateIncidentPreset(t *testing.T) {
	in := buildInput(6)
	in.Summaries["r2"] = models.CompactSummary{ResultID: "r2", HealthStatus: models.HealthCritical, HasErrors: true, ShortText: "critical"}

	c := New(PresetWeights(PresetIncident), Limits{MaxFullResults: 1, MaxCompactResults: 2, MinScoreForFull: 0.2, MinScoreToKeep: 0.1}, nil)
	plan := c.Compact(in)

	if !contains(plan.KeepFull, "r2") {
		t.Fatalf("critical result should rank first under incident preset; full=%v", plan.KeepFull)
	}
}

func TestCompactToBudget(t *testing.T) {
	in := buildInput(8)
	c := New(PresetWeights(PresetBalanced), Limits{}, nil)

	plan := c.CompactToBudget(in, 40)
	if len(plan.KeepFull) == 0 {
		t.Fatalf("budget should afford at least one full result")
	}
	if len(plan.KeepFull)+len(plan.Compact)+len(plan.Clear) != 8 {
		t.Fatalf("plan must cover every result: %+v", plan)
	}

	tight := c.CompactToBudget(in, 1)
	if len(tight.KeepFull) != 0 {
		t.Fatalf("a 1-token budget cannot afford full results: %v", tight.KeepFull)
	}
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
