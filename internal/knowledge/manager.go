package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// Limits bound how many chunks of each type stay in the working set.
type Limits struct {
	MaxRunbooks    int
	MaxPostmortems int
	MaxKnownIssues int
	MaxOther       int
	MinScore       float64
}

func (l *Limits) applyDefaults() {
	if l.MaxRunbooks <= 0 {
		l.MaxRunbooks = 3
	}
	if l.MaxPostmortems <= 0 {
		l.MaxPostmortems = 2
	}
	if l.MaxKnownIssues <= 0 {
		l.MaxKnownIssues = 3
	}
	if l.MaxOther <= 0 {
		l.MaxOther = 2
	}
	if l.MinScore <= 0 {
		l.MinScore = 0.3
	}
}

// Manager proactively keeps a small ranked set of relevant knowledge chunks
// in memory, re-querying as the investigation discovers new services and
// symptoms. Retrieval failures degrade to an empty or stale working set.
type Manager struct {
	searcher Searcher
	limits   Limits
	logger   *slog.Logger

	mu           sync.Mutex
	chunks       map[string]Chunk
	seenServices map[string]struct{}
	seenSymptoms map[string]struct{}
	indexed      bool
	indexCounts  map[ChunkType]int
}

// Options configures a Manager.
type Options struct {
	Searcher Searcher
	Limits   Limits
	Logger   *slog.Logger
}

// NewManager constructs a Manager around a Searcher.
func NewManager(opts Options) *Manager {
	opts.Limits.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		searcher:     opts.Searcher,
		limits:       opts.Limits,
		logger:       opts.Logger,
		chunks:       make(map[string]Chunk),
		seenServices: make(map[string]struct{}),
		seenSymptoms: make(map[string]struct{}),
		indexCounts:  make(map[ChunkType]int),
	}
}

// Init builds a lightweight index of what the knowledge base holds: runbooks,
// active known issues, and postmortems with root causes.
func (m *Manager) Init(ctx context.Context) error {
	if m.searcher == nil {
		return nil
	}
	counts := make(map[ChunkType]int)
	for _, t := range []ChunkType{ChunkRunbook, ChunkKnownIssue, ChunkPostmortem} {
		chunks, err := m.searcher.Search(ctx, SearchRequest{Types: []ChunkType{t}, Limit: 100})
		if err != nil {
			return fmt.Errorf("knowledge index for %s: %w", t, err)
		}
		for _, c := range chunks {
			if t == ChunkKnownIssue && !c.Active {
				continue
			}
			if t == ChunkPostmortem && c.RootCause == "" {
				continue
			}
			counts[t]++
		}
	}

	m.mu.Lock()
	m.indexCounts = counts
	m.indexed = true
	m.mu.Unlock()

	m.logger.Info("knowledge index built",
		slog.Int("runbooks", counts[ChunkRunbook]),
		slog.Int("known_issues", counts[ChunkKnownIssue]),
		slog.Int("postmortems", counts[ChunkPostmortem]))
	return nil
}

// QueryForInvestigation does the initial retrieval for a fresh query.
func (m *Manager) QueryForInvestigation(ctx context.Context, query string, services []string) []Chunk {
	chunks := m.search(ctx, SearchRequest{Query: query, Services: services, Limit: m.totalLimit()})

	m.mu.Lock()
	for _, svc := range services {
		m.seenServices[normalizeFacet(svc)] = struct{}{}
	}
	m.mergeLocked(chunks)
	out := m.workingSetLocked()
	m.mu.Unlock()
	return out
}

// QueryForNewServices re-queries only for services not seen before.
func (m *Manager) QueryForNewServices(ctx context.Context, services []string) []Chunk {
	unseen := m.claimUnseen(services, m.seenServices)
	if len(unseen) == 0 {
		return m.Chunks()
	}
	chunks := m.search(ctx, SearchRequest{Services: unseen, Limit: m.totalLimit()})

	m.mu.Lock()
	m.mergeLocked(chunks)
	out := m.workingSetLocked()
	m.mu.Unlock()
	return out
}

// QueryForNewSymptoms re-queries only for symptoms not seen before.
func (m *Manager) QueryForNewSymptoms(ctx context.Context, symptoms []string) []Chunk {
	unseen := m.claimUnseen(symptoms, m.seenSymptoms)
	if len(unseen) == 0 {
		return m.Chunks()
	}
	chunks := m.search(ctx, SearchRequest{Query: strings.Join(unseen, " "), Symptoms: unseen, Limit: m.totalLimit()})

	m.mu.Lock()
	m.mergeLocked(chunks)
	out := m.workingSetLocked()
	m.mu.Unlock()
	return out
}

// UpdateFromInvestigationState computes service and symptom deltas against
// the previous iteration and refreshes the working set for each.
func (m *Manager) UpdateFromInvestigationState(ctx context.Context, state models.InvestigationState, prevServices, prevSymptoms []string) {
	newServices := difference(state.ServicesDiscovered, prevServices)
	newSymptoms := difference(state.SymptomsIdentified, prevSymptoms)
	if len(newServices) > 0 {
		m.QueryForNewServices(ctx, newServices)
	}
	if len(newSymptoms) > 0 {
		m.QueryForNewSymptoms(ctx, newSymptoms)
	}
}

// Chunks returns the current working set, highest score first.
func (m *Manager) Chunks() []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workingSetLocked()
}

// BuildContext renders the working set as prompt text.
func (m *Manager) BuildContext() string {
	chunks := m.Chunks()
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge base entries:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", c.Type, c.Title, c.Content)
	}
	return b.String()
}

func (m *Manager) search(ctx context.Context, req SearchRequest) []Chunk {
	if m.searcher == nil {
		return nil
	}
	chunks, err := m.searcher.Search(ctx, req)
	if err != nil {
		m.logger.Warn("knowledge search failed", slog.String("error", err.Error()))
		return nil
	}
	return chunks
}

// claimUnseen filters to previously-unseen facets and marks them seen.
func (m *Manager) claimUnseen(facets []string, seen map[string]struct{}) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unseen []string
	for _, f := range facets {
		key := normalizeFacet(f)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unseen = append(unseen, f)
	}
	return unseen
}

// mergeLocked dedupes by id, keeping the higher score, then trims per type.
func (m *Manager) mergeLocked(incoming []Chunk) {
	for _, c := range incoming {
		if c.Score < m.limits.MinScore {
			continue
		}
		if existing, ok := m.chunks[c.ID]; ok && existing.Score >= c.Score {
			continue
		}
		m.chunks[c.ID] = c
	}
	m.trimLocked()
}

func (m *Manager) trimLocked() {
	byType := make(map[ChunkType][]Chunk)
	for _, c := range m.chunks {
		byType[c.Type] = append(byType[c.Type], c)
	}
	for t, group := range byType {
		limit := m.limitFor(t)
		if len(group) <= limit {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Score > group[j].Score })
		for _, dropped := range group[limit:] {
			delete(m.chunks, dropped.ID)
		}
	}
}

func (m *Manager) workingSetLocked() []Chunk {
	out := make([]Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) limitFor(t ChunkType) int {
	switch t {
	case ChunkRunbook:
		return m.limits.MaxRunbooks
	case ChunkPostmortem:
		return m.limits.MaxPostmortems
	case ChunkKnownIssue:
		return m.limits.MaxKnownIssues
	default:
		return m.limits.MaxOther
	}
}

func (m *Manager) totalLimit() int {
	return m.limits.MaxRunbooks + m.limits.MaxPostmortems + m.limits.MaxKnownIssues + m.limits.MaxOther
}

func normalizeFacet(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func difference(current, previous []string) []string {
	prev := make(map[string]struct{}, len(previous))
	for _, p := range previous {
		prev[normalizeFacet(p)] = struct{}{}
	}
	var out []string
	for _, c := range current {
		if _, ok := prev[normalizeFacet(c)]; !ok {
			out = append(out, c)
		}
	}
	return out
}
