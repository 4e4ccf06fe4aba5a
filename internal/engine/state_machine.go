package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-agent/internal/causal"
	"github.com/miradorstack/mirador-agent/internal/compactor"
	"github.com/miradorstack/mirador-agent/internal/hypothesis"
	"github.com/miradorstack/mirador-agent/internal/infra"
	"github.com/miradorstack/mirador-agent/internal/knowledge"
	"github.com/miradorstack/mirador-agent/internal/llm"
	"github.com/miradorstack/mirador-agent/internal/memory"
	"github.com/miradorstack/mirador-agent/internal/metrics"
	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/scratchpad"
	"github.com/miradorstack/mirador-agent/internal/servicectx"
	"github.com/miradorstack/mirador-agent/internal/skills"
	"github.com/miradorstack/mirador-agent/internal/tools"
	"github.com/miradorstack/mirador-agent/internal/utils"
)

// Phase is one stage of the investigation loop.
type Phase string

const (
	PhaseTriage      Phase = "TRIAGE"
	PhaseHypothesize Phase = "HYPOTHESIZE"
	PhaseInvestigate Phase = "INVESTIGATE"
	PhaseEvaluate    Phase = "EVALUATE"
	PhaseConclude    Phase = "CONCLUDE"
	PhaseRemediate   Phase = "REMEDIATE"
)

// KnowledgeSource is the slice of the knowledge manager the loop consumes.
type KnowledgeSource interface {
	Init(ctx context.Context) error
	QueryForInvestigation(ctx context.Context, query string, services []string) []knowledge.Chunk
	UpdateFromInvestigationState(ctx context.Context, state models.InvestigationState, prevServices, prevSymptoms []string)
	BuildContext() string
}

// InfraSource provides the pre-flight infrastructure snapshot.
type InfraSource interface {
	Discover(ctx context.Context, forceRefresh bool) (infra.Snapshot, error)
}

// ServiceContextSource resolves per-service investigation context.
type ServiceContextSource interface {
	Context(serviceRef string) (servicectx.ServiceContext, error)
}

// Options wires a StateMachine.
type Options struct {
	LLM          llm.Client
	Tools        *tools.Registry
	Scratchpad   *scratchpad.Scratchpad
	Compactor    *compactor.Compactor
	Memory       *memory.Memory
	Hypotheses   *hypothesis.Engine
	QueryBuilder *causal.Builder
	Knowledge    KnowledgeSource
	Infra        InfraSource
	ServiceCtx   ServiceContextSource
	Skills       []skills.Skill
	SkillRunner  *skills.Runner

	MaxIterations       int
	MaxTriageIterations int
	CompactionThreshold int
	ToolTimeout         time.Duration
	EventBuffer         int
	Logger              *slog.Logger
}

// StateMachine drives the phased investigation loop. Each iteration runs to
// completion before the next; tool calls execute sequentially so scratchpad
// order stays deterministic.
type StateMachine struct {
	llm          llm.Client
	tools        *tools.Registry
	pad          *scratchpad.Scratchpad
	compactor    *compactor.Compactor
	memory       *memory.Memory
	hypotheses   *hypothesis.Engine
	queryBuilder *causal.Builder
	knowledge    KnowledgeSource
	infra        InfraSource
	serviceCtx   ServiceContextSource
	skills       []skills.Skill
	skillRunner  *skills.Runner

	maxIterations    int
	maxTriage        int
	compactThreshold int
	toolTimeout      time.Duration
	eventBuffer      int
	logger           *slog.Logger
	latency          *utils.LatencyTracker

	phase    Phase
	proposed map[string]bool
}

// New constructs a StateMachine.
func New(opts Options) (*StateMachine, error) {
	if opts.LLM == nil {
		return nil, fmt.Errorf("engine: llm client is required")
	}
	if opts.Scratchpad == nil || opts.Memory == nil || opts.Hypotheses == nil {
		return nil, fmt.Errorf("engine: scratchpad, memory and hypothesis engine are required")
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.QueryBuilder == nil {
		opts.QueryBuilder = causal.New(causal.Options{Logger: opts.Logger})
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 15
	}
	if opts.MaxTriageIterations <= 0 {
		opts.MaxTriageIterations = 2
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = 12000
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 30 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StateMachine{
		llm:              opts.LLM,
		tools:            opts.Tools,
		pad:              opts.Scratchpad,
		compactor:        opts.Compactor,
		memory:           opts.Memory,
		hypotheses:       opts.Hypotheses,
		queryBuilder:     opts.QueryBuilder,
		knowledge:        opts.Knowledge,
		infra:            opts.Infra,
		serviceCtx:       opts.ServiceCtx,
		skills:           opts.Skills,
		skillRunner:      opts.SkillRunner,
		maxIterations:    opts.MaxIterations,
		maxTriage:        opts.MaxTriageIterations,
		compactThreshold: opts.CompactionThreshold,
		toolTimeout:      opts.ToolTimeout,
		eventBuffer:      opts.EventBuffer,
		logger:           opts.Logger,
		latency:          utils.NewLatencyTracker(100),
		phase:            PhaseTriage,
		proposed:         map[string]bool{},
	}, nil
}

// Run starts the investigation and returns its event stream. The stream is
// closed after a terminal done or cancelled event.
func (sm *StateMachine) Run(ctx context.Context, query string) <-chan models.Event {
	events := make(chan models.Event, sm.eventBuffer)
	go func() {
		defer close(events)
		sm.run(ctx, query, events)
	}()
	return events
}

func (sm *StateMachine) run(ctx context.Context, query string, events chan<- models.Event) {
	started := time.Now()
	sessionID := sm.pad.SessionID()
	sm.transition(PhaseTriage, events)

	infraCtx := sm.prefetch(ctx, query, events)

	var answer string
	outcome := "inconclusive"

loop:
	for iteration := 1; iteration <= sm.maxIterations; iteration++ {
		if ctx.Err() != nil {
			sm.cancel(events, sessionID)
			return
		}
		iterStart := time.Now()
		sm.memory.AdvanceIteration()
		sm.maybeCompact(events)

		state := sm.memory.State()
		resp, err := sm.llm.Chat(ctx, sm.systemPrompt(infraCtx), sm.userPrompt(query), sm.toolSpecs())
		if err != nil {
			if ctx.Err() != nil {
				sm.cancel(events, sessionID)
				return
			}
			sm.logger.Error("llm call failed", slog.Int("iteration", iteration), slog.String("error", err.Error()))
			outcome = "error"
			break loop
		}

		if resp.Thinking != "" {
			sm.emit(events, models.Event{Type: models.EventThinking, Message: resp.Thinking})
			_ = sm.pad.Append(scratchpad.Entry{Type: scratchpad.EntryThinking, Text: resp.Thinking})
			notes := sm.memory.ExtractFromThinking(resp.Thinking, "")
			sm.absorbNotes(notes)
		}

		sm.advancePhase(iteration, events)

		if len(resp.ToolCalls) == 0 {
			answer = resp.Content
			outcome = "completed"
			sm.emit(events, models.Event{Type: models.EventAnswerStart})
			break loop
		}

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				sm.cancel(events, sessionID)
				return
			}
			sm.executeToolCall(ctx, call, events)
		}
		sm.knowledgeRefresh(ctx, state, events)

		sm.latency.Observe(time.Since(iterStart))
		if sm.latency.Count()%20 == 0 {
			sm.logger.Info("iteration latency",
				slog.Duration("p95", sm.latency.Percentile(95)),
				slog.Int("iterations", sm.latency.Count()))
		}
	}

	sm.conclude(ctx, events, &answer)
	if err := sm.memory.Save(); err != nil {
		sm.logger.Warn("final memory save failed", slog.String("error", err.Error()))
	}
	metrics.ObserveInvestigation(time.Since(started), outcome)
	sm.emit(events, models.Event{Type: models.EventDone, Answer: answer, InvestigationID: sessionID})
}

// prefetch runs infra discovery and the initial knowledge retrieval, and
// returns the infra context text for the system prompt.
func (sm *StateMachine) prefetch(ctx context.Context, query string, events chan<- models.Event) string {
	infraText := ""
	if sm.infra != nil {
		snap, err := sm.infra.Discover(ctx, false)
		if err != nil {
			sm.logger.Warn("infra discovery failed", slog.String("error", err.Error()))
		} else {
			infraText = snap.BuildContext()
		}
	}
	if sm.knowledge != nil {
		if err := sm.knowledge.Init(ctx); err != nil {
			sm.logger.Warn("knowledge init failed", slog.String("error", err.Error()))
		}
		chunks := sm.knowledge.QueryForInvestigation(ctx, query, sm.memory.State().ServicesDiscovered)
		if len(chunks) > 0 {
			sm.emit(events, models.Event{
				Type:    models.EventKnowledgeRetrieved,
				Message: fmt.Sprintf("%d knowledge base entries retrieved", len(chunks)),
			})
		}
	}
	return infraText
}

// maybeCompact runs the compactor when the scratchpad outgrows the token
// threshold.
func (sm *StateMachine) maybeCompact(events chan<- models.Event) {
	if sm.compactor == nil || sm.pad.TokenEstimate() <= sm.compactThreshold {
		return
	}

	state := sm.memory.State()
	active := make(map[string]struct{}, len(state.ActiveHypotheses))
	for _, id := range state.ActiveHypotheses {
		active[id] = struct{}{}
	}
	for id := range sm.hypotheses.ActiveIDs() {
		active[id] = struct{}{}
	}

	plan := sm.compactor.CompactToBudget(compactor.Input{
		Query:            state.Query,
		Results:          sm.pad.Results(),
		Summaries:        sm.pad.Summaries(),
		Notes:            state.Notes,
		ActiveHypotheses: active,
		Services:         state.ServicesDiscovered,
		Symptoms:         state.SymptomsIdentified,
	}, sm.compactThreshold)

	sm.pad.ApplyCompactionPlan(plan)
	metrics.ObserveCompaction()
	if len(plan.Clear) > 0 {
		sm.emit(events, models.Event{
			Type:    models.EventContextCleared,
			Message: fmt.Sprintf("%d tool results cleared from context (retrievable by id)", len(plan.Clear)),
		})
	}
}

// executeToolCall runs one model-requested tool invocation end to end.
func (sm *StateMachine) executeToolCall(ctx context.Context, call llm.ToolCall, events chan<- models.Event) {
	check := sm.pad.CanCallTool(call.Name, queryOf(call.Args))
	if check.Warning != "" {
		sm.emit(events, models.Event{Type: models.EventToolLimit, Tool: call.Name, Message: check.Warning})
	}

	tool, err := sm.tools.Get(call.Name)
	if err != nil {
		sm.emit(events, models.Event{Type: models.EventToolError, Tool: call.Name, Err: err.Error()})
		return
	}

	sm.emit(events, models.Event{Type: models.EventToolStart, Tool: call.Name})
	callCtx, cancel := context.WithTimeout(ctx, sm.toolTimeout)
	start := time.Now()
	result, err := tool.Execute(callCtx, call.Args)
	duration := time.Since(start)
	cancel()
	metrics.ObserveToolCall(call.Name, duration, err)

	if err != nil {
		sm.emit(events, models.Event{Type: models.EventToolError, Tool: call.Name, Err: err.Error()})
		return
	}

	summary := scratchpad.Summarize(call.Name, call.Args, result)
	resultID, err := sm.pad.AppendToolResult(call.Name, call.Args, result, duration, summary)
	if err != nil {
		sm.logger.Warn("tool result append failed", slog.String("tool", call.Name), slog.String("error", err.Error()))
	}
	sm.emit(events, models.Event{Type: models.EventToolEnd, Tool: call.Name, ResultID: resultID})

	if len(summary.Services) > 0 {
		sm.memory.RecordServices(summary.Services)
	}
	if summary.HasErrors || summary.HealthStatus == models.HealthCritical || summary.HealthStatus == models.HealthDegraded {
		sm.attachEvidence(summary, resultID)
	}
}

// attachEvidence feeds an unhealthy tool result to the top frontier
// hypothesis and applies the branch/confirm/keep/prune policy.
func (sm *StateMachine) attachEvidence(summary models.CompactSummary, resultID string) {
	frontier := sm.hypotheses.Frontier()
	if len(frontier) == 0 {
		return
	}
	top := frontier[0]

	strength := models.EvidenceWeak
	if summary.HealthStatus == models.HealthCritical {
		strength = models.EvidenceStrong
	}
	if _, err := sm.hypotheses.AttachEvidence(top.ID, strength, summary.ShortText, []string{resultID}); err != nil {
		sm.logger.Warn("evidence attach failed", slog.String("hypothesis", top.ID), slog.String("error", err.Error()))
		return
	}
	sm.memory.AddEvidence(top.ID, strength, summary.ShortText, []string{resultID}, summary.Services)

	action, err := sm.hypotheses.Evaluate(top.ID, strength)
	if err != nil {
		return
	}
	switch action {
	case hypothesis.ActionConfirm:
		if err := sm.hypotheses.Confirm(top.ID, nil); err == nil {
			sm.memory.AddHypothesisUpdate(top.ID, top.Statement, memory.HypothesisConfirmed, summary.ShortText)
		}
	case hypothesis.ActionPrune:
		if err := sm.hypotheses.Prune(top.ID, "no supporting evidence"); err == nil {
			sm.memory.AddHypothesisUpdate(top.ID, top.Statement, memory.HypothesisPruned, "no supporting evidence")
		}
	}
}

// absorbNotes turns root-cause candidate notes from model reasoning into
// hypothesis tree nodes, skipping statements already proposed.
func (sm *StateMachine) absorbNotes(notes []models.InvestigationNote) {
	for _, note := range notes {
		if note.Type != models.NoteRootCauseCandidate {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(note.Content))
		if sm.proposed[key] {
			continue
		}
		node, err := sm.hypotheses.Propose(note.Content, categorize(note.Content), 5, "")
		if err != nil {
			sm.logger.Debug("hypothesis proposal skipped", slog.String("error", err.Error()))
			continue
		}
		sm.proposed[key] = true
		sm.memory.AddHypothesisUpdate(node.ID, node.Statement, memory.HypothesisFormed, "")
	}
}

// knowledgeRefresh feeds newly discovered facets back into the knowledge
// manager after a tool batch.
func (sm *StateMachine) knowledgeRefresh(ctx context.Context, prev models.InvestigationState, events chan<- models.Event) {
	if sm.knowledge == nil {
		return
	}
	current := sm.memory.State()
	before := len(prev.ServicesDiscovered) + len(prev.SymptomsIdentified)
	after := len(current.ServicesDiscovered) + len(current.SymptomsIdentified)
	if after == before {
		return
	}
	sm.knowledge.UpdateFromInvestigationState(ctx, current, prev.ServicesDiscovered, prev.SymptomsIdentified)
	sm.emit(events, models.Event{Type: models.EventKnowledgeRetrieved, Message: "knowledge refreshed for new facets"})
}

// advancePhase applies the transition rules for the current phase.
func (sm *StateMachine) advancePhase(iteration int, events chan<- models.Event) {
	switch sm.phase {
	case PhaseTriage:
		state := sm.memory.State()
		if iteration >= sm.maxTriage || len(state.ServicesDiscovered) > 0 || len(state.SymptomsIdentified) > 0 {
			sm.transition(PhaseHypothesize, events)
		}
	case PhaseHypothesize:
		if len(sm.hypotheses.Frontier()) > 0 {
			sm.transition(PhaseInvestigate, events)
		}
	case PhaseInvestigate:
		sm.transition(PhaseEvaluate, events)
	case PhaseEvaluate:
		if sm.hypotheses.IsComplete() || len(sm.hypotheses.Frontier()) == 0 {
			sm.transition(PhaseConclude, events)
		} else {
			sm.transition(PhaseInvestigate, events)
		}
	}
}

func (sm *StateMachine) transition(next Phase, events chan<- models.Event) {
	if sm.phase == next && next != PhaseTriage {
		return
	}
	sm.phase = next
	_ = sm.pad.Append(scratchpad.Entry{Type: scratchpad.EntryPhaseTransition, Phase: string(next)})
	sm.emit(events, models.Event{Type: models.EventPhaseTransition, Phase: string(next)})
	sm.logger.Debug("phase transition", slog.String("phase", string(next)))
}

// conclude finishes the investigation and, when a confirmed root cause has a
// matching skill, moves to remediation.
func (sm *StateMachine) conclude(ctx context.Context, events chan<- models.Event, answer *string) {
	sm.transition(PhaseConclude, events)

	state := sm.memory.State()
	if *answer == "" {
		*answer = sm.memory.BuildFinalSummary()
	}
	if state.ConfirmedRootCause == "" || sm.skillRunner == nil {
		return
	}
	matched := skills.Match(sm.skills, state.ConfirmedRootCause)
	if matched == nil {
		return
	}

	sm.transition(PhaseRemediate, events)
	sm.memory.AddRemediationStep(fmt.Sprintf("running skill %s for confirmed root cause", matched.Name))
	vars := map[string]string{}
	if len(state.ServicesDiscovered) > 0 {
		vars["service"] = state.ServicesDiscovered[0]
	}
	results, err := sm.skillRunner.Run(ctx, *matched, vars)
	if err != nil {
		sm.logger.Warn("remediation skill aborted", slog.String("skill", matched.Name), slog.String("error", err.Error()))
		sm.memory.AddRemediationStep(fmt.Sprintf("skill %s aborted: %v", matched.Name, err))
		return
	}
	sm.memory.AddRemediationStep(fmt.Sprintf("skill %s completed %d steps", matched.Name, len(results)))
}

func (sm *StateMachine) cancel(events chan<- models.Event, sessionID string) {
	if err := sm.memory.Save(); err != nil {
		sm.logger.Warn("memory save on cancel failed", slog.String("error", err.Error()))
	}
	metrics.ObserveInvestigation(0, "cancelled")
	sm.emit(events, models.Event{Type: models.EventCancelled, InvestigationID: sessionID})
}

// systemPrompt composes the standing instructions from the tool surface,
// available skills, and ambient context.
func (sm *StateMachine) systemPrompt(infraText string) string {
	var b strings.Builder
	b.WriteString("You are an incident investigation agent. Work in phases: ")
	b.WriteString("triage the symptoms, form hypotheses about the root cause, ")
	b.WriteString("investigate them with the available tools, evaluate the evidence, ")
	b.WriteString("then conclude with the most likely root cause.\n\n")

	if names := sm.tools.Names(); len(names) > 0 {
		fmt.Fprintf(&b, "Tools available: %s.\n", strings.Join(names, ", "))
	}
	if len(sm.skills) > 0 {
		b.WriteString("Remediation skills on file:")
		for _, s := range sm.skills {
			fmt.Fprintf(&b, " %s", s.Name)
		}
		b.WriteString(".\n")
	}
	if infraText != "" {
		b.WriteString("\n")
		b.WriteString(infraText)
	}
	if sm.knowledge != nil {
		if kb := sm.knowledge.BuildContext(); kb != "" {
			b.WriteString("\n")
			b.WriteString(kb)
		}
	}
	b.WriteString("\nState one hypothesis per sentence when reasoning. Stop calling tools once the root cause is established.")
	return b.String()
}

// userPrompt concatenates the tiered scratchpad, the hypothesis frontier, the
// memory summary and per-service context.
func (sm *StateMachine) userPrompt(query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigation query: %s\n\n", query)
	b.WriteString(sm.pad.BuildTieredContext())
	b.WriteString("\n")
	b.WriteString(sm.hypothesisContext())
	b.WriteString("\n")
	b.WriteString(sm.memory.BuildContextSummary())
	b.WriteString(sm.serviceContexts())
	return b.String()
}

func (sm *StateMachine) hypothesisContext() string {
	frontier := sm.hypotheses.Frontier()
	if len(frontier) == 0 {
		return "No active hypotheses yet.\n"
	}
	var b strings.Builder
	b.WriteString("Active hypotheses (investigate the first):\n")
	for _, node := range frontier {
		fmt.Fprintf(&b, "- [%s] %s (priority %d, evidence %s)\n", node.ID, node.Statement, node.Priority, node.EvidenceStrength)
	}
	if planned := sm.refinePlanned(sm.queryBuilder.Plan(frontier[:1])); len(planned) > 0 {
		b.WriteString("Suggested queries for the top hypothesis:\n")
		for _, q := range planned {
			fmt.Fprintf(&b, "- %s %s\n", q.Tool, causal.ArgsString(q.Args))
		}
	}
	return b.String()
}

// refinePlanned tightens suggested queries that came back without a service or
// filter slot, using facts already landed in investigation memory.
func (sm *StateMachine) refinePlanned(planned []causal.PlannedQuery) []causal.PlannedQuery {
	state := sm.memory.State()
	rc := causal.RefinementContext{}
	if len(state.ServicesDiscovered) > 0 {
		rc.Service = state.ServicesDiscovered[0]
	}
	if len(state.SymptomsIdentified) > 0 {
		rc.ErrorType = state.SymptomsIdentified[0]
	}
	for i, q := range planned {
		if causal.IsQueryTooBroad(q) {
			planned[i] = causal.SuggestQueryRefinements(q, rc)
		}
	}
	return planned
}

func (sm *StateMachine) serviceContexts() string {
	if sm.serviceCtx == nil {
		return ""
	}
	state := sm.memory.State()
	var b strings.Builder
	count := 0
	for _, svc := range state.ServicesDiscovered {
		if count >= 3 {
			break
		}
		sc, err := sm.serviceCtx.Context(svc)
		if err != nil {
			continue
		}
		b.WriteString("\n")
		b.WriteString(sc.BuildContext())
		count++
	}
	return b.String()
}

func (sm *StateMachine) toolSpecs() []llm.ToolSpec {
	all := sm.tools.All()
	specs := make([]llm.ToolSpec, 0, len(all))
	for _, t := range all {
		specs = append(specs, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return specs
}

func (sm *StateMachine) emit(events chan<- models.Event, ev models.Event) {
	ev.Timestamp = time.Now().UTC()
	events <- ev
}

// Phase reports the current phase, for status surfaces.
func (sm *StateMachine) Phase() Phase { return sm.phase }

func queryOf(args map[string]interface{}) string {
	for _, key := range []string{"query", "filter", "service"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// categorize maps a hypothesis statement onto a failure category.
func categorize(statement string) models.HypothesisCategory {
	text := strings.ToLower(statement)
	switch {
	case strings.Contains(text, "latency"), strings.Contains(text, "slow"):
		return models.CategoryLatency
	case strings.Contains(text, "error"), strings.Contains(text, "5xx"), strings.Contains(text, "fail"):
		return models.CategoryErrorRate
	case strings.Contains(text, "memory"), strings.Contains(text, "oom"), strings.Contains(text, "leak"):
		return models.CategoryMemory
	case strings.Contains(text, "cpu"), strings.Contains(text, "throttl"):
		return models.CategoryCPU
	case strings.Contains(text, "connection"), strings.Contains(text, "timeout"), strings.Contains(text, "network"), strings.Contains(text, "dns"):
		return models.CategoryConnectivity
	case strings.Contains(text, "deploy"), strings.Contains(text, "release"), strings.Contains(text, "rollout"):
		return models.CategoryDeployment
	case strings.Contains(text, "database"), strings.Contains(text, "db"), strings.Contains(text, "pool"):
		return models.CategoryDatabase
	case strings.Contains(text, "scal"), strings.Contains(text, "capacity"):
		return models.CategoryScaling
	default:
		return models.CategoryOther
	}
}
