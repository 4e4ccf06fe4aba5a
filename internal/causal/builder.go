package causal

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/utils"
)

// PlannedQuery is a concrete tool invocation emitted to test a hypothesis.
type PlannedQuery struct {
	Tool         string                 `json:"tool"`
	Args         map[string]interface{} `json:"args"`
	Priority     int                    `json:"priority"`
	Relevance    float64                `json:"relevance"`
	Rationale    string                 `json:"rationale"`
	HypothesisID string                 `json:"hypothesisId,omitempty"`
}

// RefinementContext carries known incident facets used to tighten broad queries.
type RefinementContext struct {
	Service   string
	ErrorType string
	Start     string
	End       string
}

// pattern is one failure mode in the catalog. Keywords are matched against the
// lowercased hypothesis statement; queries carry pre-populated parameters with
// the service slot filled in when the statement names one.
type pattern struct {
	name     string
	category models.HypothesisCategory
	keywords []string
	queries  func(service string) []PlannedQuery
}

// Builder turns hypotheses into prioritized, deduplicated tool invocations.
type Builder struct {
	maxQueries int
	logger     *slog.Logger
	catalog    []pattern
}

// Options configures a Builder.
type Options struct {
	MaxQueries int
	Logger     *slog.Logger
}

// New constructs a Builder with the built-in failure pattern catalog.
func New(opts Options) *Builder {
	if opts.MaxQueries <= 0 {
		opts.MaxQueries = 6
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Builder{
		maxQueries: opts.MaxQueries,
		logger:     opts.Logger,
		catalog:    defaultCatalog(),
	}
}

var serviceRef = regexp.MustCompile(`[a-z][a-z0-9]*(?:-[a-z0-9]+)+`)

// extractService pulls the first dashed identifier out of a statement.
func extractService(statement string) string {
	return serviceRef.FindString(strings.ToLower(statement))
}

// BuildForHypothesis scans the statement against the catalog. Every matched
// pattern contributes its invocation set; when nothing matches, three generic
// exploratory invocations are emitted instead.
func (b *Builder) BuildForHypothesis(h models.HypothesisNode) []PlannedQuery {
	statement := strings.ToLower(h.Statement)
	service := extractService(h.Statement)

	var planned []PlannedQuery
	for _, p := range b.catalog {
		hits := 0
		for _, kw := range p.keywords {
			if strings.Contains(statement, kw) {
				hits++
			}
		}
		if hits == 0 && p.category != h.Category {
			continue
		}
		relevance := float64(hits) / float64(len(p.keywords))
		if p.category == h.Category {
			relevance += 0.5
		}
		if relevance > 1 {
			relevance = 1
		}
		for _, q := range p.queries(service) {
			q.Relevance = relevance
			q.Rationale = p.name
			q.HypothesisID = h.ID
			planned = append(planned, q)
		}
	}

	if len(planned) == 0 {
		planned = genericExploration(service)
		for i := range planned {
			planned[i].HypothesisID = h.ID
		}
		b.logger.Debug("no pattern matched, falling back to generic exploration",
			slog.String("hypothesis", h.ID))
	}
	return planned
}

// Plan builds queries for every hypothesis, sorts by (priority asc, relevance
// desc), deduplicates by tool plus serialized args, and caps at maxQueries.
func (b *Builder) Plan(hypotheses []models.HypothesisNode) []PlannedQuery {
	var all []PlannedQuery
	for _, h := range hypotheses {
		all = append(all, b.BuildForHypothesis(h)...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].Relevance > all[j].Relevance
	})

	seen := make(map[string]struct{}, len(all))
	plan := make([]PlannedQuery, 0, b.maxQueries)
	for _, q := range all {
		key := q.Tool + "|" + serializeArgs(q.Args)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		plan = append(plan, q)
		if len(plan) >= b.maxQueries {
			break
		}
	}
	return plan
}

// IsQueryTooBroad reports whether an invocation would sweep too much data:
// no service filter, a log query without a filter or severity, or a metric
// query without a query body.
func IsQueryTooBroad(q PlannedQuery) bool {
	switch q.Tool {
	case "get_service_graph", "list_alarms":
		return false
	}
	if argString(q.Args, "service") == "" {
		return true
	}
	switch q.Tool {
	case "get_logs":
		return argString(q.Args, "filter") == "" && argString(q.Args, "severity") == ""
	case "get_metrics":
		return argString(q.Args, "query") == ""
	}
	return false
}

// SuggestQueryRefinements fills missing slots from the incident context.
func SuggestQueryRefinements(q PlannedQuery, ctx RefinementContext) PlannedQuery {
	refined := PlannedQuery{
		Tool:         q.Tool,
		Args:         make(map[string]interface{}, len(q.Args)+3),
		Priority:     q.Priority,
		Relevance:    q.Relevance,
		Rationale:    q.Rationale,
		HypothesisID: q.HypothesisID,
	}
	for k, v := range q.Args {
		refined.Args[k] = v
	}

	if argString(refined.Args, "service") == "" && ctx.Service != "" {
		refined.Args["service"] = ctx.Service
	}
	if q.Tool == "get_logs" && argString(refined.Args, "filter") == "" && ctx.ErrorType != "" {
		refined.Args["filter"] = ctx.ErrorType
	}
	if argString(refined.Args, "start") == "" && ctx.Start != "" {
		if _, err := utils.ParseRFC3339(ctx.Start); err == nil {
			refined.Args["start"] = ctx.Start
		}
	}
	if argString(refined.Args, "end") == "" && ctx.End != "" {
		if _, err := utils.ParseRFC3339(ctx.End); err == nil {
			refined.Args["end"] = ctx.End
		}
	}
	return refined
}

func argString(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

// ArgsString renders query arguments for prompts and logs.
func ArgsString(args map[string]interface{}) string {
	return serializeArgs(args)
}

func serializeArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func withService(args map[string]interface{}, service string) map[string]interface{} {
	if service != "" {
		args["service"] = service
	}
	return args
}

func genericExploration(service string) []PlannedQuery {
	return []PlannedQuery{
		{
			Tool:      "list_alarms",
			Args:      map[string]interface{}{"state": "alarm"},
			Priority:  1,
			Relevance: 0.3,
			Rationale: "generic: alarms currently firing",
		},
		{
			Tool:      "get_logs",
			Args:      withService(map[string]interface{}{"severity": "error"}, service),
			Priority:  2,
			Relevance: 0.3,
			Rationale: "generic: recent error logs",
		},
		{
			Tool:      "list_alarms",
			Args:      map[string]interface{}{"state": "all"},
			Priority:  3,
			Relevance: 0.2,
			Rationale: "generic: monitor inventory",
		},
	}
}

func defaultCatalog() []pattern {
	return []pattern{
		{
			name:     "latency degradation",
			category: models.CategoryLatency,
			keywords: []string{"latency", "slow", "p95", "p99", "response time"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "request_duration_seconds"}, service), Priority: 1},
					{Tool: "get_traces", Args: withService(map[string]interface{}{}, service), Priority: 2},
					{Tool: "get_service_graph", Args: map[string]interface{}{}, Priority: 3},
				}
			},
		},
		{
			name:     "elevated error rate",
			category: models.CategoryErrorRate,
			keywords: []string{"error", "5xx", "500", "failing", "failure"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "http_requests_errors_rate"}, service), Priority: 1},
					{Tool: "get_logs", Args: withService(map[string]interface{}{"severity": "error"}, service), Priority: 1},
					{Tool: "list_alarms", Args: map[string]interface{}{"state": "alarm"}, Priority: 2},
				}
			},
		},
		{
			name:     "memory pressure",
			category: models.CategoryMemory,
			keywords: []string{"memory", "oom", "heap", "leak"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "process_resident_memory_bytes"}, service), Priority: 1},
					{Tool: "get_logs", Args: withService(map[string]interface{}{"filter": "out of memory"}, service), Priority: 2},
				}
			},
		},
		{
			name:     "cpu saturation",
			category: models.CategoryCPU,
			keywords: []string{"cpu", "throttl", "load average"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "cpu_usage_ratio"}, service), Priority: 1},
					{Tool: "list_alarms", Args: withService(map[string]interface{}{"state": "alarm"}, service), Priority: 2},
				}
			},
		},
		{
			name:     "connectivity failure",
			category: models.CategoryConnectivity,
			keywords: []string{"connection", "refused", "timeout", "unreachable", "dns", "network"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_logs", Args: withService(map[string]interface{}{"filter": "connection"}, service), Priority: 1},
					{Tool: "get_traces", Args: withService(map[string]interface{}{}, service), Priority: 2},
					{Tool: "get_service_graph", Args: map[string]interface{}{}, Priority: 2},
				}
			},
		},
		{
			name:     "deployment regression",
			category: models.CategoryDeployment,
			keywords: []string{"deploy", "rollout", "release", "version", "config change"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_logs", Args: withService(map[string]interface{}{"filter": "deploy"}, service), Priority: 1},
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "process_start_time_seconds"}, service), Priority: 2},
				}
			},
		},
		{
			name:     "database trouble",
			category: models.CategoryDatabase,
			keywords: []string{"database", "db", "pool", "deadlock", "replication", "query"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "db_connections_active"}, service), Priority: 1},
					{Tool: "get_logs", Args: withService(map[string]interface{}{"filter": "pool"}, service), Priority: 1},
					{Tool: "get_traces", Args: withService(map[string]interface{}{"operation": "db"}, service), Priority: 2},
				}
			},
		},
		{
			name:     "scaling and capacity",
			category: models.CategoryScaling,
			keywords: []string{"scal", "replicas", "capacity", "saturat"},
			queries: func(service string) []PlannedQuery {
				return []PlannedQuery{
					{Tool: "get_metrics", Args: withService(map[string]interface{}{"query": "replicas_available"}, service), Priority: 1},
					{Tool: "list_alarms", Args: withService(map[string]interface{}{"state": "alarm"}, service), Priority: 2},
				}
			},
		},
	}
}
