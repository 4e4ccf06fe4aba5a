package compactor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/scratchpad"
)

// Weights combines the six importance axes. Each component score is in [0,1].
type Weights struct {
	Recency             float64
	QueryRelevance      float64
	ErrorSignals        float64
	HypothesisRelevance float64
	ServiceRelevance    float64
	CitedInNotes        float64
}

// Limits bounds the count-based compaction plan.
type Limits struct {
	MaxFullResults    int
	MaxCompactResults int
	MinScoreForFull   float64
	MinScoreToKeep    float64
}

// Preset names for operator-selectable weight profiles.
const (
	PresetBalanced = "balanced"
	PresetIncident = "incident"
	PresetResearch = "research"
)

// PresetWeights returns the named weight profile; unknown names fall back to
// balanced.
func PresetWeights(name string) Weights {
	switch name {
	case PresetIncident:
		return Weights{Recency: 0.15, QueryRelevance: 0.10, ErrorSignals: 0.30, HypothesisRelevance: 0.25, ServiceRelevance: 0.10, CitedInNotes: 0.10}
	case PresetResearch:
		return Weights{Recency: 0.25, QueryRelevance: 0.30, ErrorSignals: 0.10, HypothesisRelevance: 0.10, ServiceRelevance: 0.10, CitedInNotes: 0.15}
	default:
		return Weights{Recency: 0.20, QueryRelevance: 0.20, ErrorSignals: 0.20, HypothesisRelevance: 0.15, ServiceRelevance: 0.10, CitedInNotes: 0.15}
	}
}

// Input is everything the compactor scores against.
type Input struct {
	Query            string
	Results          []models.ToolResult
	Summaries        map[string]models.CompactSummary
	Notes            []models.InvestigationNote
	ActiveHypotheses map[string]struct{}
	Services         []string
	Symptoms         []string
}

// ScoredResult pairs a result id with its importance score, for diagnostics.
type ScoredResult struct {
	ResultID string
	Score    float64
}

// Compactor ranks tool results by importance and produces compaction plans.
type Compactor struct {
	weights Weights
	limits  Limits
	logger  *slog.Logger
}

// New constructs a Compactor with the given weights and limits.
func New(weights Weights, limits Limits, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxFullResults <= 0 {
		limits.MaxFullResults = 5
	}
	if limits.MaxCompactResults <= 0 {
		limits.MaxCompactResults = 10
	}
	return &Compactor{weights: weights, limits: limits, logger: logger}
}

// Compact produces the default count-based plan: highest scores stay full,
// the next band compacts, the remainder clears. Results cited in notes never
// drop below compact.
func (c *Compactor) Compact(in Input) scratchpad.CompactionPlan {
	scored := c.rank(in)
	cited := citedSet(in.Notes)

	plan := scratchpad.CompactionPlan{}
	for _, sr := range scored {
		switch {
		case len(plan.KeepFull) < c.limits.MaxFullResults && sr.Score >= c.limits.MinScoreForFull:
			plan.KeepFull = append(plan.KeepFull, sr.ResultID)
		case len(plan.Compact) < c.limits.MaxCompactResults && sr.Score >= c.limits.MinScoreToKeep:
			plan.Compact = append(plan.Compact, sr.ResultID)
		default:
			if _, isCited := cited[sr.ResultID]; isCited {
				plan.Compact = append(plan.Compact, sr.ResultID)
			} else {
				plan.Clear = append(plan.Clear, sr.ResultID)
			}
		}
	}

	c.logger.Debug("compaction plan",
		slog.Int("full", len(plan.KeepFull)),
		slog.Int("compact", len(plan.Compact)),
		slog.Int("cleared", len(plan.Clear)))
	return plan
}

// CompactToBudget greedily allocates full then compact representations while
// the estimated token total stays within budget.
func (c *Compactor) CompactToBudget(in Input, budgetTokens int) scratchpad.CompactionPlan {
	scored := c.rank(in)
	cited := citedSet(in.Notes)
	byID := make(map[string]models.ToolResult, len(in.Results))
	for _, r := range in.Results {
		byID[r.ResultID] = r
	}

	plan := scratchpad.CompactionPlan{}
	spent := 0
	for _, sr := range scored {
		cost := fullCost(byID[sr.ResultID])
		if spent+cost <= budgetTokens {
			plan.KeepFull = append(plan.KeepFull, sr.ResultID)
			spent += cost
			continue
		}
		compactCost := compactCost(in.Summaries[sr.ResultID])
		if spent+compactCost <= budgetTokens {
			plan.Compact = append(plan.Compact, sr.ResultID)
			spent += compactCost
			continue
		}
		if _, isCited := cited[sr.ResultID]; isCited {
			plan.Compact = append(plan.Compact, sr.ResultID)
			spent += compactCost
			continue
		}
		plan.Clear = append(plan.Clear, sr.ResultID)
	}
	return plan
}

// rank scores every result and sorts descending; ties resolve to the earlier
// timestamp so plans are deterministic.
func (c *Compactor) rank(in Input) []ScoredResult {
	n := len(in.Results)
	scored := make([]ScoredResult, 0, n)
	index := make(map[string]int, n)

	for i, result := range in.Results {
		index[result.ResultID] = i
		scored = append(scored, ScoredResult{
			ResultID: result.ResultID,
			Score:    c.Score(in, i),
		})
	}

	sort.SliceStable(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		ra := in.Results[index[scored[a].ResultID]]
		rb := in.Results[index[scored[b].ResultID]]
		return ra.Timestamp.Before(rb.Timestamp)
	})
	return scored
}

// Score computes the weighted importance of the i-th result.
func (c *Compactor) Score(in Input, i int) float64 {
	result := in.Results[i]
	summary := in.Summaries[result.ResultID]
	serialized := serializeResult(result)

	score := c.weights.Recency*recencyScore(i, len(in.Results)) +
		c.weights.QueryRelevance*queryRelevance(in.Query, serialized) +
		c.weights.ErrorSignals*errorSignals(summary, serialized) +
		c.weights.HypothesisRelevance*hypothesisRelevance(in, result, serialized) +
		c.weights.ServiceRelevance*serviceRelevance(in.Services, summary, serialized) +
		c.weights.CitedInNotes*citedScore(in.Notes, result.ResultID)

	if score > 1 {
		score = 1
	}
	return score
}

// recencyScore is linear from 0.1 for the oldest result to 1.0 for the newest.
func recencyScore(i, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	return 0.1 + 0.9*float64(i)/float64(n-1)
}

func queryRelevance(query, serialized string) float64 {
	tokens := significantTokens(query)
	if len(tokens) == 0 {
		return 0
	}
	lower := strings.ToLower(serialized)
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

var errorProbeKeywords = []string{"error", "fail", "timeout", "exception", "refused", "panic", "critical", "unhealthy"}

func errorSignals(summary models.CompactSummary, serialized string) float64 {
	if summary.HasErrors || summary.HealthStatus == models.HealthCritical {
		return 1.0
	}
	if summary.HealthStatus == models.HealthDegraded {
		return 0.7
	}
	lower := strings.ToLower(serialized)
	hits := 0
	for _, kw := range errorProbeKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	score := float64(hits) / 4.0
	if score > 1 {
		score = 1
	}
	return score
}

func hypothesisRelevance(in Input, result models.ToolResult, serialized string) float64 {
	best := 0.0
	for _, note := range in.Notes {
		if note.Type != models.NoteEvidence || note.HypothesisID == "" {
			continue
		}
		if _, active := in.ActiveHypotheses[note.HypothesisID]; !active {
			continue
		}
		if !containsID(note.SourceResultIDs, result.ResultID) {
			continue
		}
		switch note.EvidenceStrength {
		case models.EvidenceStrong:
			return 1.0
		case models.EvidenceWeak:
			if best < 0.7 {
				best = 0.7
			}
		}
	}
	if best > 0 {
		return best
	}

	lower := strings.ToLower(serialized)
	for _, symptom := range in.Symptoms {
		prefix := strings.ToLower(symptom)
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		if prefix != "" && strings.Contains(lower, prefix) {
			return 0.5
		}
	}
	return 0.0
}

func serviceRelevance(services []string, summary models.CompactSummary, serialized string) float64 {
	for _, svc := range services {
		for _, seen := range summary.Services {
			if strings.EqualFold(svc, seen) {
				return 1.0
			}
		}
	}
	lower := strings.ToLower(serialized)
	for _, svc := range services {
		if svc != "" && strings.Contains(lower, strings.ToLower(svc)) {
			return 0.8
		}
	}
	return 0.0
}

func citedScore(notes []models.InvestigationNote, resultID string) float64 {
	for _, note := range notes {
		if containsID(note.SourceResultIDs, resultID) {
			return 1.0
		}
	}
	return 0.0
}

func citedSet(notes []models.InvestigationNote) map[string]struct{} {
	set := make(map[string]struct{})
	for _, note := range notes {
		for _, id := range note.SourceResultIDs {
			set[id] = struct{}{}
		}
	}
	return set
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func significantTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'()")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func serializeResult(result models.ToolResult) string {
	var b strings.Builder
	if len(result.Args) > 0 {
		if data, err := json.Marshal(result.Args); err == nil {
			b.Write(data)
		}
	}
	if result.Result != nil {
		if data, err := json.Marshal(result.Result); err == nil {
			b.Write(data)
		} else {
			fmt.Fprintf(&b, "%v", result.Result)
		}
	}
	return b.String()
}

func fullCost(result models.ToolResult) int {
	return len(serializeResult(result))/4 + 8
}

func compactCost(summary models.CompactSummary) int {
	return len(summary.ShortText)/4 + 4
}
