package servicectx

import (
	"testing"

	"github.com/miradorstack/mirador-agent/internal/graph"
	"github.com/miradorstack/mirador-agent/internal/knowledge"
)

// staticChunks implements ChunkSource over a fixed slice.
type staticChunks []knowledge.Chunk

func (s staticChunks) Chunks() []knowledge.Chunk { return s }

func buildTopology(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New(nil)
	add := func(node graph.ServiceNode) {
		if err := g.AddService(node); err != nil {
			t.Fatalf("add %s: %v", node.ID, err)
		}
	}
	add(graph.ServiceNode{ID: "frontend", Name: "frontend", Type: graph.TypeService, Tier: graph.TierCritical})
	add(graph.ServiceNode{ID: "checkout-api", Name: "checkout-api", Type: graph.TypeService, Tier: graph.TierCritical, Team: "payments"})
	add(graph.ServiceNode{ID: "payment-db", Name: "payment-db", Type: graph.TypeDatabase, Tier: graph.TierCritical})
	add(graph.ServiceNode{ID: "session-cache", Name: "session-cache", Type: graph.TypeCache})
	add(graph.ServiceNode{ID: "email-svc", Name: "email-svc", Type: graph.TypeService, Tier: graph.TierLow})

	edges := []graph.DependencyEdge{
		{Source: "frontend", Target: "checkout-api", Criticality: graph.CriticalityCritical},
		{Source: "checkout-api", Target: "payment-db", Criticality: graph.CriticalityCritical},
		{Source: "checkout-api", Target: "session-cache", Criticality: graph.CriticalityDegraded},
		{Source: "checkout-api", Target: "email-svc", Criticality: graph.CriticalityOptional},
	}
	for _, e := range edges {
		if err := g.AddDependency(e); err != nil {
			t.Fatalf("edge: %v", err)
		}
	}
	return g
}

func TestContextRanksUpstreamCauses(t *testing.T) {
	m := NewManager(Options{Graph: buildTopology(t)})

	sc, err := m.Context("checkout-api")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(sc.UpstreamCauses) != 3 {
		t.Fatalf("expected 3 dependency candidates: %+v", sc.UpstreamCauses)
	}
	if sc.UpstreamCauses[0].Service.ID != "payment-db" {
		t.Fatalf("critical database dependency should rank first: %+v", sc.UpstreamCauses[0])
	}
	if last := sc.UpstreamCauses[2].Service.ID; last != "email-svc" {
		t.Fatalf("optional low-tier service should rank last, got %s", last)
	}
	if len(sc.CriticalDependencies) != 1 || sc.CriticalDependencies[0].Target != "payment-db" {
		t.Fatalf("critical dependency set wrong: %+v", sc.CriticalDependencies)
	}
}

func TestContextComputesBlastRadius(t *testing.T) {
	m := NewManager(Options{Graph: buildTopology(t)})

	sc, err := m.Context("payment-db")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	radius := sc.BlastRadius
	if radius.DirectDependents != 1 || radius.TransitiveDependents != 2 {
		t.Fatalf("blast radius counts wrong: %+v", radius)
	}
	// Both checkout-api and frontend are tier-critical dependents on a fully
	// critical chain.
	if len(radius.CriticalServicesAffected) != 2 {
		t.Fatalf("critical services affected: %+v", radius.CriticalServicesAffected)
	}
	if len(radius.CriticalPaths) != 2 {
		t.Fatalf("critical paths: %+v", radius.CriticalPaths)
	}
}

func TestContextResolvesByNameAndAttachesKnowledge(t *testing.T) {
	chunks := staticChunks{
		{ID: "rb-1", Type: knowledge.ChunkRunbook, Title: "checkout-api oncall runbook", Services: []string{"checkout-api"}, Score: 0.9},
		{ID: "ki-1", Type: knowledge.ChunkKnownIssue, Title: "pool exhaustion", Services: []string{"checkout-api"}, Active: true, Score: 0.8},
		{ID: "ki-2", Type: knowledge.ChunkKnownIssue, Title: "resolved issue", Services: []string{"checkout-api"}, Active: false, Score: 0.8},
		{ID: "rb-2", Type: knowledge.ChunkRunbook, Title: "unrelated runbook", Services: []string{"search-svc"}, Score: 0.9},
	}
	m := NewManager(Options{Graph: buildTopology(t), Knowledge: chunks})

	sc, err := m.Context("Checkout-API")
	if err != nil {
		t.Fatalf("case-insensitive name lookup failed: %v", err)
	}
	if len(sc.Runbooks) != 1 || sc.Runbooks[0].ID != "rb-1" {
		t.Fatalf("runbooks should filter by service match: %+v", sc.Runbooks)
	}
	if len(sc.KnownIssues) != 1 || sc.KnownIssues[0].ID != "ki-1" {
		t.Fatalf("only active known issues attach: %+v", sc.KnownIssues)
	}
}

func TestContextUnknownService(t *testing.T) {
	m := NewManager(Options{Graph: buildTopology(t)})
	if _, err := m.Context("nope"); err == nil {
		t.Fatalf("unknown service must error")
	}
}
