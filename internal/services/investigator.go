package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-agent/internal/approval"
	"github.com/miradorstack/mirador-agent/internal/cache"
	"github.com/miradorstack/mirador-agent/internal/causal"
	"github.com/miradorstack/mirador-agent/internal/compactor"
	"github.com/miradorstack/mirador-agent/internal/config"
	"github.com/miradorstack/mirador-agent/internal/engine"
	"github.com/miradorstack/mirador-agent/internal/graph"
	"github.com/miradorstack/mirador-agent/internal/hypothesis"
	"github.com/miradorstack/mirador-agent/internal/infra"
	"github.com/miradorstack/mirador-agent/internal/knowledge"
	"github.com/miradorstack/mirador-agent/internal/llm"
	"github.com/miradorstack/mirador-agent/internal/memory"
	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/scratchpad"
	"github.com/miradorstack/mirador-agent/internal/servicectx"
	"github.com/miradorstack/mirador-agent/internal/skills"
	"github.com/miradorstack/mirador-agent/internal/tools"
)

// Dependencies are the long-lived collaborators shared by all investigations.
// Per-investigation state (scratchpad, memory, hypothesis tree, knowledge
// working set) is created fresh for every run.
type Dependencies struct {
	Config   *config.Config
	LLM      llm.Client
	Tools    *tools.Registry
	Infra    *infra.Manager
	Graph    *graph.Graph
	Approval *approval.Protocol
	Skills   []skills.Skill
	Cache    cache.Provider
	Logger   *slog.Logger
}

// Run is one in-flight or finished investigation. Events must be drained by
// exactly one consumer; the channel closes after the terminal event.
type Run struct {
	ID        string
	Query     string
	StartedAt time.Time
	Events    <-chan models.Event

	cancel context.CancelFunc
}

// Investigator creates and tracks investigations.
type Investigator struct {
	cfg      *config.Config
	llm      llm.Client
	tools    *tools.Registry
	infra    *infra.Manager
	graph    *graph.Graph
	approval *approval.Protocol
	skills   []skills.Skill
	cache    cache.Provider
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewInvestigator constructs the facade.
func NewInvestigator(deps Dependencies) (*Investigator, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("services: config is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("services: llm client is required")
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NoopProvider{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Investigator{
		cfg:      deps.Config,
		llm:      deps.LLM,
		tools:    deps.Tools,
		infra:    deps.Infra,
		graph:    deps.Graph,
		approval: deps.Approval,
		skills:   deps.Skills,
		cache:    deps.Cache,
		logger:   deps.Logger,
		runs:     make(map[string]*Run),
	}, nil
}

// Start launches an investigation. The run is detached from the caller's
// context: cancelling an HTTP request does not abort the investigation, only
// Cancel does.
func (s *Investigator) Start(query, incidentID string) (*Run, error) {
	return s.StartSession(query, incidentID, "")
}

// StartSession is Start with an explicit session id. Reusing the id of an
// earlier run resumes its scratchpad and memory from disk.
func (s *Investigator) StartSession(query, incidentID, sessionID string) (*Run, error) {
	if query == "" {
		return nil, fmt.Errorf("services: query cannot be empty")
	}

	if sessionID == "" {
		sessionID = "inv-" + uuid.NewString()[:8]
	}
	s.mu.Lock()
	_, exists := s.runs[sessionID]
	s.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("services: investigation %s is already running", sessionID)
	}
	cfg := s.cfg

	pad, err := scratchpad.New(scratchpad.Options{
		Dir:             cfg.Scratchpad.Dir,
		SessionID:       sessionID,
		ToolCallSoftCap: cfg.Scratchpad.ToolCallSoftCap,
		SimilarityWarn:  cfg.Scratchpad.SimilarityWarn,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("services: scratchpad: %w", err)
	}

	mem, err := memory.New(memory.Options{
		Dir:        cfg.Memory.Dir,
		SessionID:  sessionID,
		Query:      query,
		IncidentID: incidentID,
		Lexicons: memory.Lexicons{
			RootCause: cfg.Memory.RootCauseKeywords,
			Symptom:   cfg.Memory.SymptomKeywords,
			Evidence:  cfg.Memory.EvidenceKeywords,
		},
		Logger: s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("services: memory: %w", err)
	}

	tree := hypothesis.New(hypothesis.Options{
		MaxDepth: cfg.Agent.MaxHypothesisDepth,
		Logger:   s.logger,
	})

	comp := compactor.New(compactor.PresetWeights(cfg.Compactor.Preset), compactor.Limits{
		MaxFullResults:    cfg.Compactor.MaxFullResults,
		MaxCompactResults: cfg.Compactor.MaxCompactResults,
		MinScoreForFull:   cfg.Compactor.MinScoreForFull,
		MinScoreToKeep:    cfg.Compactor.MinScoreToKeep,
	}, s.logger)

	var kmgr *knowledge.Manager
	if cfg.Knowledge.Endpoint != "" {
		kmgr = knowledge.NewManager(knowledge.Options{
			Searcher: knowledge.NewHTTPSearcher(
				cfg.Knowledge.Endpoint, cfg.Knowledge.APIKey, cfg.Knowledge.Timeout,
				s.cache, cfg.Knowledge.CacheTTL,
			),
			Limits: knowledge.Limits{
				MaxRunbooks:    cfg.Knowledge.MaxRunbooks,
				MaxPostmortems: cfg.Knowledge.MaxPostmortems,
				MaxKnownIssues: cfg.Knowledge.MaxIssues,
				MinScore:       cfg.Knowledge.MinScore,
			},
			Logger: s.logger,
		})
	}

	var knowledgeSource engine.KnowledgeSource
	if kmgr != nil {
		knowledgeSource = kmgr
	}

	var svcCtx engine.ServiceContextSource
	if s.graph != nil {
		opts := servicectx.Options{Graph: s.graph, Logger: s.logger}
		if kmgr != nil {
			opts.Knowledge = kmgr
		}
		svcCtx = servicectx.NewManager(opts)
	}

	var runner *skills.Runner
	if s.approval != nil && len(s.skills) > 0 {
		runner = skills.NewRunner(skills.Options{
			Registry:    s.tools,
			Approver:    s.approval,
			Logger:      s.logger,
			StepTimeout: cfg.Agent.ToolTimeout,
		})
	}

	var infraSource engine.InfraSource
	if s.infra != nil {
		infraSource = s.infra
	}

	sm, err := engine.New(engine.Options{
		LLM:          s.llm,
		Tools:        s.tools,
		Scratchpad:   pad,
		Compactor:    comp,
		Memory:       mem,
		Hypotheses:   tree,
		QueryBuilder: causal.New(causal.Options{MaxQueries: cfg.Agent.MaxQueriesPerBatch, Logger: s.logger}),
		Knowledge:    knowledgeSource,
		Infra:        infraSource,
		ServiceCtx:   svcCtx,
		Skills:       s.skills,
		SkillRunner:  runner,

		MaxIterations:       cfg.Agent.MaxIterations,
		MaxTriageIterations: cfg.Agent.MaxTriageIterations,
		CompactionThreshold: cfg.Agent.TokenBudget,
		ToolTimeout:         cfg.Agent.ToolTimeout,
		Logger:              s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("services: engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:        sessionID,
		Query:     query,
		StartedAt: time.Now().UTC(),
		Events:    sm.Run(runCtx, query),
		cancel:    cancel,
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.logger.Info("investigation started",
		slog.String("id", run.ID), slog.String("incident", incidentID))
	return run, nil
}

// Get returns a tracked run.
func (s *Investigator) Get(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// Cancel aborts a running investigation. The engine persists findings and
// emits a cancelled event before the stream closes.
func (s *Investigator) Cancel(id string) bool {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	s.logger.Info("investigation cancelled", slog.String("id", id))
	return true
}

// Release drops a finished run from tracking.
func (s *Investigator) Release(id string) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}

// State loads the persisted findings of a current or past investigation.
func (s *Investigator) State(id string) (*models.InvestigationState, error) {
	return memory.Load(s.cfg.Memory.Dir, id)
}

// Running lists the ids of tracked investigations.
func (s *Investigator) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}
