package servicectx

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-agent/internal/graph"
	"github.com/miradorstack/mirador-agent/internal/knowledge"
)

// UpstreamCause is a dependency whose failure plausibly explains symptoms in
// the investigated service.
type UpstreamCause struct {
	Service graph.ServiceNode    `json:"service"`
	Edge    graph.DependencyEdge `json:"edge"`
	Hops    int                  `json:"hops"`
	Score   float64              `json:"score"`
}

// BlastRadius summarizes who is hit when the service fails.
type BlastRadius struct {
	DirectDependents         int                `json:"directDependents"`
	TransitiveDependents     int                `json:"transitiveDependents"`
	CriticalServicesAffected []string           `json:"criticalServicesAffected"`
	CriticalPaths            []graph.ImpactPath `json:"criticalPaths"`
}

// ServiceContext is the merged per-service view handed to the prompt.
type ServiceContext struct {
	Service              graph.ServiceNode      `json:"service"`
	DirectDependencies   []graph.DependencyEdge `json:"directDependencies"`
	CriticalDependencies []graph.DependencyEdge `json:"criticalDependencies"`
	UpstreamCauses       []UpstreamCause        `json:"upstreamCauses"`
	BlastRadius          BlastRadius            `json:"blastRadius"`
	Runbooks             []knowledge.Chunk      `json:"runbooks,omitempty"`
	KnownIssues          []knowledge.Chunk      `json:"knownIssues,omitempty"`
	Postmortems          []knowledge.Chunk      `json:"postmortems,omitempty"`
}

// ChunkSource provides the current knowledge working set.
type ChunkSource interface {
	Chunks() []knowledge.Chunk
}

// Manager merges the service graph, ownership data, and the knowledge working
// set into per-service context objects.
type Manager struct {
	graph     *graph.Graph
	knowledge ChunkSource
	maxDepth  int
	logger    *slog.Logger
}

// Options configures a Manager.
type Options struct {
	Graph              *graph.Graph
	Knowledge          ChunkSource
	MaxDependencyDepth int
	Logger             *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxDependencyDepth <= 0 {
		opts.MaxDependencyDepth = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		graph:     opts.Graph,
		knowledge: opts.Knowledge,
		maxDepth:  opts.MaxDependencyDepth,
		logger:    opts.Logger,
	}
}

// Context resolves a service by id or case-insensitive name and assembles its
// investigation context.
func (m *Manager) Context(serviceRef string) (ServiceContext, error) {
	if m.graph == nil {
		return ServiceContext{}, fmt.Errorf("servicectx: no service graph configured")
	}
	node, ok := m.graph.Get(serviceRef)
	if !ok {
		node, ok = m.graph.GetByName(serviceRef)
	}
	if !ok {
		return ServiceContext{}, fmt.Errorf("servicectx: service %q not found", serviceRef)
	}

	sc := ServiceContext{Service: node}
	sc.DirectDependencies = m.graph.Dependencies(node.ID)
	for _, edge := range sc.DirectDependencies {
		if edge.Criticality == graph.CriticalityCritical {
			sc.CriticalDependencies = append(sc.CriticalDependencies, edge)
		}
	}
	sc.UpstreamCauses = m.upstreamCauses(node.ID)
	sc.BlastRadius = m.blastRadius(node.ID)
	m.attachKnowledge(&sc)
	return sc, nil
}

// upstreamCauses walks the service's dependency chain up to maxDepth and
// ranks candidates: critical edges first, then database and cache nodes,
// nearer hops before farther ones.
func (m *Manager) upstreamCauses(id string) []UpstreamCause {
	impacts := m.graph.GetDownstreamImpact(id, m.maxDepth)
	causes := make([]UpstreamCause, 0, len(impacts))
	for _, impact := range impacts {
		node, ok := m.graph.Get(impact.Affected)
		if !ok {
			continue
		}
		edge, _ := m.graph.Edge(impact.Path[len(impact.Path)-2], impact.Affected)
		causes = append(causes, UpstreamCause{
			Service: node,
			Edge:    edge,
			Hops:    impact.Hops,
			Score:   causeScore(node, impact),
		})
	}
	sort.SliceStable(causes, func(i, j int) bool { return causes[i].Score > causes[j].Score })
	return causes
}

func causeScore(node graph.ServiceNode, impact graph.ImpactPath) float64 {
	score := 1.0 / float64(impact.Hops)
	if impact.Criticality == graph.CriticalityCritical {
		score += 1.0
	}
	switch node.Type {
	case graph.TypeDatabase:
		score += 0.6
	case graph.TypeCache:
		score += 0.4
	}
	if node.Tier == graph.TierCritical {
		score += 0.2
	}
	return score
}

func (m *Manager) blastRadius(id string) BlastRadius {
	impacts := m.graph.GetUpstreamImpact(id, 0)
	radius := BlastRadius{TransitiveDependents: len(impacts)}
	for _, impact := range impacts {
		if impact.Hops == 1 {
			radius.DirectDependents++
		}
		if impact.Criticality == graph.CriticalityCritical {
			radius.CriticalPaths = append(radius.CriticalPaths, impact)
		}
		if node, ok := m.graph.Get(impact.Affected); ok && node.Tier == graph.TierCritical {
			radius.CriticalServicesAffected = append(radius.CriticalServicesAffected, node.ID)
		}
	}
	sort.Strings(radius.CriticalServicesAffected)
	return radius
}

func (m *Manager) attachKnowledge(sc *ServiceContext) {
	if m.knowledge == nil {
		return
	}
	name := strings.ToLower(sc.Service.Name)
	id := strings.ToLower(sc.Service.ID)
	for _, chunk := range m.knowledge.Chunks() {
		if !chunkMentions(chunk, name, id) {
			continue
		}
		switch chunk.Type {
		case knowledge.ChunkRunbook:
			sc.Runbooks = append(sc.Runbooks, chunk)
		case knowledge.ChunkKnownIssue:
			if chunk.Active {
				sc.KnownIssues = append(sc.KnownIssues, chunk)
			}
		case knowledge.ChunkPostmortem:
			sc.Postmortems = append(sc.Postmortems, chunk)
		}
	}
}

func chunkMentions(chunk knowledge.Chunk, name, id string) bool {
	for _, svc := range chunk.Services {
		lower := strings.ToLower(svc)
		if lower == name || lower == id {
			return true
		}
	}
	title := strings.ToLower(chunk.Title)
	return strings.Contains(title, name) || strings.Contains(title, id)
}

// BuildContext renders the service context as prompt text.
func (sc ServiceContext) BuildContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service %s (%s", sc.Service.Name, sc.Service.Type)
	if sc.Service.Team != "" {
		fmt.Fprintf(&b, ", owned by %s", sc.Service.Team)
	}
	b.WriteString(")\n")

	if len(sc.CriticalDependencies) > 0 {
		b.WriteString("Critical dependencies:")
		for _, edge := range sc.CriticalDependencies {
			fmt.Fprintf(&b, " %s", edge.Target)
		}
		b.WriteString("\n")
	}
	if len(sc.UpstreamCauses) > 0 {
		b.WriteString("Likely upstream causes (ranked):")
		for i, cause := range sc.UpstreamCauses {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, " %s", cause.Service.ID)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Blast radius: %d direct dependents, %d transitive, %d critical services affected\n",
		sc.BlastRadius.DirectDependents, sc.BlastRadius.TransitiveDependents, len(sc.BlastRadius.CriticalServicesAffected))
	for _, rb := range sc.Runbooks {
		fmt.Fprintf(&b, "Runbook: %s\n", rb.Title)
	}
	for _, ki := range sc.KnownIssues {
		fmt.Fprintf(&b, "Known issue: %s\n", ki.Title)
	}
	return b.String()
}
