package graph

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ServiceType categorizes a node in the dependency graph.
type ServiceType string

const (
	TypeService        ServiceType = "service"
	TypeDatabase       ServiceType = "database"
	TypeCache          ServiceType = "cache"
	TypeQueue          ServiceType = "queue"
	TypeExternal       ServiceType = "external"
	TypeInfrastructure ServiceType = "infrastructure"
)

// Tier is the business importance of a service.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Criticality grades a dependency edge. Along a path the effective
// criticality is the weakest edge: critical > degraded > optional.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityDegraded Criticality = "degraded"
	CriticalityOptional Criticality = "optional"
)

var criticalityRank = map[Criticality]int{
	CriticalityCritical: 3,
	CriticalityDegraded: 2,
	CriticalityOptional: 1,
}

func weakerCriticality(a, b Criticality) Criticality {
	if criticalityRank[a] == 0 {
		return b
	}
	if criticalityRank[b] == 0 {
		return a
	}
	if criticalityRank[a] <= criticalityRank[b] {
		return a
	}
	return b
}

// ServiceNode is one service in the graph.
type ServiceNode struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      ServiceType       `json:"type"`
	Team      string            `json:"team,omitempty"`
	Tier      Tier              `json:"tier,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// DependencyEdge is a directed dependency: source calls target. At most one
// edge exists per ordered pair; its id is "source->target".
type DependencyEdge struct {
	Source      string      `json:"source"`
	Target      string      `json:"target"`
	Type        string      `json:"type,omitempty"`
	Protocol    string      `json:"protocol,omitempty"`
	Criticality Criticality `json:"criticality"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// EdgeID returns the canonical id of the ordered pair.
func EdgeID(source, target string) string { return source + "->" + target }

// ImpactPath describes how a failure at Source reaches Affected.
type ImpactPath struct {
	Source      string      `json:"source"`
	Affected    string      `json:"affected"`
	Path        []string    `json:"path"`
	Hops        int         `json:"hops"`
	Criticality Criticality `json:"criticality"`
}

// Filter selects services by optional attribute constraints.
type Filter struct {
	Team string
	Type ServiceType
	Tier Tier
	Tag  string
}

// Graph is a process-wide, read-mostly service dependency graph. Adjacency
// indexes and the edge map are kept in sync under one lock.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[string]*ServiceNode
	edges    map[string]*DependencyEdge
	outgoing map[string][]string
	incoming map[string][]string
	byName   map[string]string
	logger   *slog.Logger
}

// New constructs an empty graph.
func New(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		nodes:    make(map[string]*ServiceNode),
		edges:    make(map[string]*DependencyEdge),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
		byName:   make(map[string]string),
		logger:   logger,
	}
}

// AddService registers a service. Re-adding an existing id updates it in place.
func (g *Graph) AddService(node ServiceNode) error {
	if node.ID == "" {
		return fmt.Errorf("graph: service id is required")
	}
	if node.Name == "" {
		node.Name = node.ID
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := g.nodes[node.ID]; ok {
		delete(g.byName, strings.ToLower(existing.Name))
		node.CreatedAt = existing.CreatedAt
	} else {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	g.nodes[node.ID] = &node
	g.byName[strings.ToLower(node.Name)] = node.ID
	return nil
}

// UpdateService applies a mutation to an existing service under the lock.
func (g *Graph) UpdateService(id string, mutate func(*ServiceNode)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("graph: service %s not found", id)
	}
	delete(g.byName, strings.ToLower(node.Name))
	mutate(node)
	node.ID = id
	node.UpdatedAt = time.Now().UTC()
	g.byName[strings.ToLower(node.Name)] = id
	return nil
}

// RemoveService deletes a service and every incident edge in one step.
func (g *Graph) RemoveService(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("graph: service %s not found", id)
	}
	for _, target := range g.outgoing[id] {
		delete(g.edges, EdgeID(id, target))
		g.incoming[target] = removeID(g.incoming[target], id)
	}
	for _, source := range g.incoming[id] {
		delete(g.edges, EdgeID(source, id))
		g.outgoing[source] = removeID(g.outgoing[source], id)
	}
	delete(g.outgoing, id)
	delete(g.incoming, id)
	delete(g.byName, strings.ToLower(node.Name))
	delete(g.nodes, id)
	return nil
}

// AddDependency records source→target. An existing ordered pair is
// overwritten; repeated identical calls are no-ops.
func (g *Graph) AddDependency(edge DependencyEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[edge.Source]; !ok {
		return fmt.Errorf("graph: unknown source %s", edge.Source)
	}
	if _, ok := g.nodes[edge.Target]; !ok {
		return fmt.Errorf("graph: unknown target %s", edge.Target)
	}
	if edge.Criticality == "" {
		edge.Criticality = CriticalityDegraded
	}

	id := EdgeID(edge.Source, edge.Target)
	if existing, ok := g.edges[id]; ok {
		edge.CreatedAt = existing.CreatedAt
		g.edges[id] = &edge
		return nil
	}
	edge.CreatedAt = time.Now().UTC()
	g.edges[id] = &edge
	g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge.Target)
	g.incoming[edge.Target] = append(g.incoming[edge.Target], edge.Source)
	return nil
}

// RemoveDependency deletes the edge for the ordered pair, if present.
func (g *Graph) RemoveDependency(source, target string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := EdgeID(source, target)
	if _, ok := g.edges[id]; !ok {
		return
	}
	delete(g.edges, id)
	g.outgoing[source] = removeID(g.outgoing[source], target)
	g.incoming[target] = removeID(g.incoming[target], source)
}

// Get returns the service by id.
func (g *Graph) Get(id string) (ServiceNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return ServiceNode{}, false
	}
	return *node, true
}

// GetByName resolves a service by case-insensitive name.
func (g *Graph) GetByName(name string) (ServiceNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byName[strings.ToLower(name)]
	if !ok {
		return ServiceNode{}, false
	}
	return *g.nodes[id], true
}

// Edge returns the dependency edge for the ordered pair.
func (g *Graph) Edge(source, target string) (DependencyEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, ok := g.edges[EdgeID(source, target)]
	if !ok {
		return DependencyEdge{}, false
	}
	return *edge, true
}

// Dependencies returns the targets of a service's outgoing edges.
func (g *Graph) Dependencies(id string) []DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]DependencyEdge, 0, len(g.outgoing[id]))
	for _, target := range g.outgoing[id] {
		out = append(out, *g.edges[EdgeID(id, target)])
	}
	return out
}

// Dependents returns the sources of a service's incoming edges.
func (g *Graph) Dependents(id string) []DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]DependencyEdge, 0, len(g.incoming[id]))
	for _, source := range g.incoming[id] {
		out = append(out, *g.edges[EdgeID(source, id)])
	}
	return out
}

// FilterServices returns services matching every set constraint, sorted by id.
func (g *Graph) FilterServices(f Filter) []ServiceNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []ServiceNode
	for _, node := range g.nodes {
		if f.Team != "" && !strings.EqualFold(f.Team, node.Team) {
			continue
		}
		if f.Type != "" && f.Type != node.Type {
			continue
		}
		if f.Tier != "" && f.Tier != node.Tier {
			continue
		}
		if f.Tag != "" && !hasTag(node.Tags, f.Tag) {
			continue
		}
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search matches the term against service names, ids and tags.
func (g *Graph) Search(term string) []ServiceNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	term = strings.ToLower(term)
	var out []ServiceNode
	for _, node := range g.nodes {
		if strings.Contains(strings.ToLower(node.Name), term) ||
			strings.Contains(strings.ToLower(node.ID), term) ||
			hasTagSubstring(node.Tags, term) {
			out = append(out, *node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindPath returns a shortest path from→to over outgoing edges, or nil when
// the target is unreachable. findPath(x, x) returns [x].
func (g *Graph) FindPath(from, to string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[from]; !ok {
		return nil
	}
	if from == to {
		return []string{from}
	}
	if _, ok := g.nodes[to]; !ok {
		return nil
	}

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.outgoing[current] {
			if _, visited := prev[next]; visited {
				continue
			}
			prev[next] = current
			if next == to {
				return rebuildPath(prev, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// GetDownstreamImpact walks outgoing edges from id up to maxDepth hops,
// returning one ImpactPath per reachable service. Path criticality is the
// weakest edge crossed.
func (g *Graph) GetDownstreamImpact(id string, maxDepth int) []ImpactPath {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.impactLocked(id, maxDepth, g.outgoing, func(from, to string) string { return EdgeID(from, to) })
}

// GetUpstreamImpact is symmetric over incoming edges: which services are hit
// when id fails.
func (g *Graph) GetUpstreamImpact(id string, maxDepth int) []ImpactPath {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.impactLocked(id, maxDepth, g.incoming, func(from, to string) string { return EdgeID(to, from) })
}

func (g *Graph) impactLocked(start string, maxDepth int, adjacency map[string][]string, edgeKey func(from, to string) string) []ImpactPath {
	if _, ok := g.nodes[start]; !ok {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = len(g.nodes)
	}

	var paths []ImpactPath
	visited := map[string]bool{start: true}

	var walk func(current string, trail []string, crit Criticality, depth int)
	walk = func(current string, trail []string, crit Criticality, depth int) {
		if depth >= maxDepth {
			return
		}
		for _, next := range adjacency[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			edge := g.edges[edgeKey(current, next)]
			merged := weakerCriticality(crit, edge.Criticality)
			nextTrail := append(append([]string(nil), trail...), next)
			paths = append(paths, ImpactPath{
				Source:      start,
				Affected:    next,
				Path:        nextTrail,
				Hops:        len(nextTrail) - 1,
				Criticality: merged,
			})
			walk(next, nextTrail, merged, depth+1)
		}
	}
	walk(start, []string{start}, "", 0)
	return paths
}

// DetectCycles returns the simple cycles found by colored DFS. Each cycle is
// reported once, as the node list in traversal order.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycles [][]string
	seen := make(map[string]struct{})

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range g.outgoing[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: the cycle is the stack segment from next to id.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := append([]string(nil), stack[i:]...)
						key := cycleKey(cycle)
						if _, dup := seen[key]; !dup {
							seen[key] = struct{}{}
							cycles = append(cycles, cycle)
						}
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// snapshot is the serialized graph form.
type snapshot struct {
	Nodes       []ServiceNode    `json:"nodes"`
	Edges       []DependencyEdge `json:"edges"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// ToJSON serializes the full graph, timestamps included.
func (g *Graph) ToJSON() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := snapshot{GeneratedAt: time.Now().UTC()}
	for _, node := range g.nodes {
		snap.Nodes = append(snap.Nodes, *node)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	for _, edge := range g.edges {
		snap.Edges = append(snap.Edges, *edge)
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		return EdgeID(snap.Edges[i].Source, snap.Edges[i].Target) < EdgeID(snap.Edges[j].Source, snap.Edges[j].Target)
	})
	return json.MarshalIndent(snap, "", "  ")
}

// FromJSON replaces the graph contents with the serialized form.
func (g *Graph) FromJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("graph: decode snapshot: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*ServiceNode, len(snap.Nodes))
	g.edges = make(map[string]*DependencyEdge, len(snap.Edges))
	g.outgoing = make(map[string][]string)
	g.incoming = make(map[string][]string)
	g.byName = make(map[string]string, len(snap.Nodes))

	for i := range snap.Nodes {
		node := snap.Nodes[i]
		g.nodes[node.ID] = &node
		g.byName[strings.ToLower(node.Name)] = node.ID
	}
	for i := range snap.Edges {
		edge := snap.Edges[i]
		if _, ok := g.nodes[edge.Source]; !ok {
			return fmt.Errorf("graph: edge references unknown source %s", edge.Source)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return fmt.Errorf("graph: edge references unknown target %s", edge.Target)
		}
		g.edges[EdgeID(edge.Source, edge.Target)] = &edge
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge.Target)
		g.incoming[edge.Target] = append(g.incoming[edge.Target], edge.Source)
	}
	return nil
}

// Services returns every node, sorted by id.
func (g *Graph) Services() []ServiceNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ServiceNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the node and edge counts.
func (g *Graph) Len() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

func rebuildPath(prev map[string]string, from, to string) []string {
	var path []string
	for at := to; at != ""; at = prev[at] {
		path = append([]string{at}, path...)
		if at == from {
			break
		}
	}
	return path
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func hasTagSubstring(tags []string, term string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), term) {
			return true
		}
	}
	return false
}

func cycleKey(cycle []string) string {
	sorted := append([]string(nil), cycle...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
