package memory

import (
	"strings"
	"testing"

	"github.com/miradorstack/mirador-agent/internal/models"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := New(Options{Dir: t.TempDir(), SessionID: "sess-1", Query: "checkout errors"})
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Options{Dir: dir, SessionID: "sess-rt", Query: "db connection errors", IncidentID: "INC-42"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	m.AddSymptom("payment-api returning 500s", []string{"payment-api"}, []string{"r-1"})
	m.AddEvidence("h1", models.EvidenceStrong, "connection pool exhausted", []string{"r-2"}, []string{"payment-db"})
	m.AdvanceIteration()

	loaded, err := Load(dir, "sess-rt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	state := m.State()
	if loaded.Query != state.Query || loaded.IncidentID != state.IncidentID {
		t.Fatalf("identity mismatch after reload")
	}
	if len(loaded.Notes) != len(state.Notes) {
		t.Fatalf("expected %d notes, got %d", len(state.Notes), len(loaded.Notes))
	}
	if loaded.CurrentIteration != 1 {
		t.Fatalf("expected iteration 1, got %d", loaded.CurrentIteration)
	}
	if len(loaded.ServicesDiscovered) != 2 {
		t.Fatalf("expected 2 services, got %v", loaded.ServicesDiscovered)
	}
}

func TestResumeExistingSession(t *testing.T) {
	dir := t.TempDir()
	first, _ := New(Options{Dir: dir, SessionID: "resume", Query: "q"})
	first.AddSymptom("latency spike on checkout", nil, nil)

	second, err := New(Options{Dir: dir, SessionID: "resume", Query: "ignored"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := second.State(); len(got.Notes) != 1 || got.Query != "q" {
		t.Fatalf("resumed state should keep prior notes and query, got %+v", got)
	}
}

func TestExtractFromThinkingAppendsNotes(t *testing.T) {
	m := newTestMemory(t)

	thinking := "The errors are caused by the connection pool being exhausted. " +
		"We are observing elevated latency on the checkout-service. " +
		"ok. " +
		"This evidence confirms the database theory."
	notes := m.ExtractFromThinking(thinking, "r-9")

	if len(notes) != 3 {
		t.Fatalf("expected 3 classified sentences, got %d", len(notes))
	}
	for _, note := range notes {
		if len(note.SourceResultIDs) != 1 || note.SourceResultIDs[0] != "r-9" {
			t.Fatalf("note should cite the source result: %+v", note)
		}
	}

	state := m.State()
	found := false
	for _, svc := range state.ServicesDiscovered {
		if svc == "checkout-service" {
			found = true
		}
	}
	if !found {
		t.Fatalf("service name should be extracted from reasoning: %v", state.ServicesDiscovered)
	}
}

func TestConfirmAggregatesStrongEvidence(t *testing.T) {
	m := newTestMemory(t)

	m.AddEvidence("h1", models.EvidenceStrong, "deploy at 10:03 changed the pool size", []string{"r-1"}, nil)
	m.AddEvidence("h1", models.EvidenceWeak, "a weak hint", nil, nil)
	m.AddEvidence("h2", models.EvidenceStrong, "unrelated strong evidence", nil, nil)
	m.AddHypothesisUpdate("h1", "pool exhaustion after deploy", HypothesisConfirmed, "")

	state := m.State()
	if state.ConfirmedRootCause == "" {
		t.Fatalf("confirmation should set root cause")
	}
	if want := "deploy at 10:03 changed the pool size"; !contains(state.ConfirmedRootCause, want) {
		t.Fatalf("root cause should aggregate h1 strong evidence, got %q", state.ConfirmedRootCause)
	}
	if contains(state.ConfirmedRootCause, "unrelated strong evidence") {
		t.Fatalf("root cause must not include other hypotheses' evidence")
	}
	if contains(state.ConfirmedRootCause, "a weak hint") {
		t.Fatalf("root cause must not include weak evidence")
	}
}

func TestHypothesisLifecycleTracking(t *testing.T) {
	m := newTestMemory(t)

	m.AddHypothesisUpdate("h1", "s1", HypothesisFormed, "")
	m.AddHypothesisUpdate("h2", "s2", HypothesisFormed, "")
	m.AddHypothesisUpdate("h1", "s1", HypothesisPruned, "no supporting data")

	state := m.State()
	if len(state.ActiveHypotheses) != 1 || state.ActiveHypotheses[0] != "h2" {
		t.Fatalf("active set wrong: %v", state.ActiveHypotheses)
	}
	if len(state.PrunedHypotheses) != 1 || state.PrunedHypotheses[0] != "h1" {
		t.Fatalf("pruned set wrong: %v", state.PrunedHypotheses)
	}
}

func TestBuildSummaries(t *testing.T) {
	m := newTestMemory(t)
	m.AddSymptom("elevated 500 rate", []string{"checkout"}, nil)
	m.UpdateProgressSummary("narrowing to database layer")

	ctx := m.BuildContextSummary()
	if !contains(ctx, "narrowing to database layer") || !contains(ctx, "elevated 500 rate") {
		t.Fatalf("context summary incomplete:\n%s", ctx)
	}

	final := m.BuildFinalSummary()
	if !contains(final, "not confirmed") {
		t.Fatalf("final summary should state unconfirmed root cause:\n%s", final)
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
