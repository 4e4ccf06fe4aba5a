package graph

import (
	"reflect"
	"testing"
)

func buildGraph(t *testing.T, ids []string, edges []DependencyEdge) *Graph {
	t.Helper()
	g := New(nil)
	for _, id := range ids {
		if err := g.AddService(ServiceNode{ID: id, Name: id, Type: TypeService}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for _, e := range edges {
		if err := g.AddDependency(e); err != nil {
			t.Fatalf("edge %s->%s: %v", e.Source, e.Target, err)
		}
	}
	return g
}

func TestDetectCycles(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d"}, []DependencyEdge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "a"},
	})

	cycles := g.DetectCycles()
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %v", cycles)
	}
	members := map[string]bool{}
	for _, id := range cycles[0] {
		members[id] = true
	}
	if !members["a"] || !members["b"] || !members["c"] || len(members) != 3 {
		t.Fatalf("cycle should contain exactly {a,b,c}: %v", cycles[0])
	}

	// A forward edge with no back edge leaves the cycle set unchanged.
	if err := g.AddDependency(DependencyEdge{Source: "a", Target: "d"}); err != nil {
		t.Fatalf("add a->d: %v", err)
	}
	if cycles = g.DetectCycles(); len(cycles) != 1 {
		t.Fatalf("a->d must not create a cycle: %v", cycles)
	}
}

func TestFindPathShortestAndEdgeCases(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d"}, []DependencyEdge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "a", Target: "d"},
		{Source: "d", Target: "c"},
	})

	path := g.FindPath("a", "c")
	if len(path) != 3 || path[0] != "a" || path[2] != "c" {
		t.Fatalf("expected a 3-node path a..c, got %v", path)
	}
	if mid := path[1]; mid != "b" && mid != "d" {
		t.Fatalf("middle hop must be b or d, got %v", path)
	}

	if back := g.FindPath("c", "a"); back != nil {
		t.Fatalf("c cannot reach a, got %v", back)
	}
	if self := g.FindPath("a", "a"); !reflect.DeepEqual(self, []string{"a"}) {
		t.Fatalf("self path should be [a], got %v", self)
	}
}

func TestDownstreamImpactCriticality(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d"}, []DependencyEdge{
		{Source: "a", Target: "b", Criticality: CriticalityCritical},
		{Source: "b", Target: "c", Criticality: CriticalityDegraded},
		{Source: "c", Target: "d", Criticality: CriticalityCritical},
	})

	impacts := g.GetDownstreamImpact("a", 0)
	var hit *ImpactPath
	for i := range impacts {
		if impacts[i].Affected == "d" {
			hit = &impacts[i]
		}
	}
	if hit == nil {
		t.Fatalf("d should be reachable downstream of a: %+v", impacts)
	}
	if !reflect.DeepEqual(hit.Path, []string{"a", "b", "c", "d"}) || hit.Hops != 3 {
		t.Fatalf("unexpected path to d: %+v", hit)
	}
	if hit.Criticality != CriticalityDegraded {
		t.Fatalf("path criticality is the weakest edge (degraded), got %s", hit.Criticality)
	}
}

func TestUpstreamImpactWalksIncomingEdges(t *testing.T) {
	g := buildGraph(t, []string{"frontend", "api", "db"}, []DependencyEdge{
		{Source: "frontend", Target: "api", Criticality: CriticalityCritical},
		{Source: "api", Target: "db", Criticality: CriticalityCritical},
	})

	impacts := g.GetUpstreamImpact("db", 0)
	if len(impacts) != 2 {
		t.Fatalf("db outage should impact api and frontend: %+v", impacts)
	}
	affected := map[string]bool{}
	for _, p := range impacts {
		affected[p.Affected] = true
		if p.Criticality != CriticalityCritical {
			t.Fatalf("critical chain should stay critical: %+v", p)
		}
	}
	if !affected["api"] || !affected["frontend"] {
		t.Fatalf("missing upstream services: %v", affected)
	}
}

func TestRemoveServiceDropsIncidentEdges(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, []DependencyEdge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
	})

	if err := g.RemoveService("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	nodes, edges := g.Len()
	if nodes != 2 || edges != 0 {
		t.Fatalf("removing b should drop both edges, got %d nodes %d edges", nodes, edges)
	}
	if deps := g.Dependencies("a"); len(deps) != 0 {
		t.Fatalf("dangling adjacency for a: %+v", deps)
	}
}

func TestAddDependencyOverwritesOrderedPair(t *testing.T) {
	g := buildGraph(t, []string{"a", "b"}, nil)

	if err := g.AddDependency(DependencyEdge{Source: "a", Target: "b", Criticality: CriticalityOptional}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := g.AddDependency(DependencyEdge{Source: "a", Target: "b", Criticality: CriticalityCritical}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	edge, ok := g.Edge("a", "b")
	if !ok || edge.Criticality != CriticalityCritical {
		t.Fatalf("last write should win: %+v", edge)
	}
	if _, edges := g.Len(); edges != 1 {
		t.Fatalf("ordered pair must have a single edge, got %d", edges)
	}
	if out := g.Dependencies("a"); len(out) != 1 {
		t.Fatalf("adjacency duplicated on overwrite: %+v", out)
	}
}

func TestLookupAndFilters(t *testing.T) {
	g := New(nil)
	_ = g.AddService(ServiceNode{ID: "checkout-api", Name: "Checkout-API", Type: TypeService, Team: "payments", Tier: TierCritical, Tags: []string{"edge"}})
	_ = g.AddService(ServiceNode{ID: "payment-db", Name: "payment-db", Type: TypeDatabase, Team: "payments", Tier: TierCritical})
	_ = g.AddService(ServiceNode{ID: "audit-log", Name: "audit-log", Type: TypeService, Team: "platform", Tier: TierLow})

	if node, ok := g.GetByName("checkout-api"); !ok || node.ID != "checkout-api" {
		t.Fatalf("name lookup should be case-insensitive: %+v ok=%v", node, ok)
	}

	payments := g.FilterServices(Filter{Team: "payments"})
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments services: %+v", payments)
	}
	dbs := g.FilterServices(Filter{Type: TypeDatabase, Tier: TierCritical})
	if len(dbs) != 1 || dbs[0].ID != "payment-db" {
		t.Fatalf("combined filter wrong: %+v", dbs)
	}
	if hits := g.Search("audit"); len(hits) != 1 || hits[0].ID != "audit-log" {
		t.Fatalf("search wrong: %+v", hits)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	g := buildGraph(t, []string{"a", "b"}, []DependencyEdge{
		{Source: "a", Target: "b", Criticality: CriticalityCritical, Protocol: "grpc"},
	})

	data, err := g.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}

	restored := New(nil)
	if err := restored.FromJSON(data); err != nil {
		t.Fatalf("from json: %v", err)
	}

	orig, _ := g.Get("a")
	loaded, ok := restored.Get("a")
	if !ok || !loaded.CreatedAt.Equal(orig.CreatedAt) {
		t.Fatalf("timestamps should survive the round trip: %+v vs %+v", loaded, orig)
	}
	edge, ok := restored.Edge("a", "b")
	if !ok || edge.Criticality != CriticalityCritical || edge.Protocol != "grpc" {
		t.Fatalf("edge lost in round trip: %+v", edge)
	}
}
