package scratchpad

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// ErrNotFound signals that a result id was never assigned.
var ErrNotFound = fmt.Errorf("scratchpad: result not found")

// Entry is one record in the on-disk JSONL log. Readers must ignore unknown
// types and unknown fields.
type Entry struct {
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Phase      string                 `json:"phase,omitempty"`
	ResultID   string                 `json:"resultId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
}

// Entry types written by the investigation loop.
const (
	EntryInit            = "init"
	EntryThinking        = "thinking"
	EntryToolResult      = "tool_result"
	EntryPhaseTransition = "phase_transition"
)

// CallCheck is the outcome of a soft rate-limit probe. Allowed is always
// true; the warning text is surfaced to the model instead of blocking.
type CallCheck struct {
	Allowed bool
	Warning string
}

// CompactionPlan assigns tool results to tiers. Produced by the compactor,
// applied here.
type CompactionPlan struct {
	KeepFull []string
	Compact  []string
	Clear    []string
}

// Scratchpad is the durable, append-only record of an investigation paired
// with an in-memory tiered index of tool results.
type Scratchpad struct {
	mu sync.Mutex

	sessionID string
	logPath   string
	softCap   int
	simWarn   float64
	logger    *slog.Logger

	order     []string
	results   map[string]models.ToolResult
	summaries map[string]models.CompactSummary
	tiers     map[string]models.Tier

	toolCalls   map[string]int
	toolQueries map[string][]string
}

// Options configures a Scratchpad.
type Options struct {
	Dir             string
	SessionID       string
	ToolCallSoftCap int
	SimilarityWarn  float64
	Logger          *slog.Logger
}

// New creates a scratchpad whose log lives at {dir}/{sessionId}.jsonl. If a
// log already exists it is replayed: tool results are rebuilt as full-tier
// entries and compaction re-runs lazily.
func New(opts Options) (*Scratchpad, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.ToolCallSoftCap <= 0 {
		opts.ToolCallSoftCap = 8
	}
	if opts.SimilarityWarn <= 0 || opts.SimilarityWarn > 1 {
		opts.SimilarityWarn = 0.8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratchpad dir: %w", err)
	}

	s := &Scratchpad{
		sessionID:   opts.SessionID,
		logPath:     filepath.Join(opts.Dir, opts.SessionID+".jsonl"),
		softCap:     opts.ToolCallSoftCap,
		simWarn:     opts.SimilarityWarn,
		logger:      opts.Logger,
		results:     make(map[string]models.ToolResult),
		summaries:   make(map[string]models.CompactSummary),
		tiers:       make(map[string]models.Tier),
		toolCalls:   make(map[string]int),
		toolQueries: make(map[string][]string),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

// SessionID returns the session identifier backing the on-disk log.
func (s *Scratchpad) SessionID() string { return s.sessionID }

// Append writes a typed entry to the log. I/O errors are surfaced but the
// in-memory state is already updated so the investigation can continue.
func (s *Scratchpad) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(entry)
}

func (s *Scratchpad) appendLocked(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal scratchpad entry: %w", err)
	}

	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open scratchpad log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append scratchpad log: %w", err)
	}
	return nil
}

// AppendToolResult records a completed tool call, assigns a result id and
// registers the result as full-tier. The summary is stored alongside for
// later compaction.
func (s *Scratchpad) AppendToolResult(tool string, args map[string]interface{}, result interface{}, duration time.Duration, summary models.CompactSummary) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "r-" + uuid.NewString()[:8]
	now := time.Now().UTC()

	rec := models.ToolResult{
		ResultID:   id,
		ToolName:   tool,
		Args:       args,
		Result:     result,
		DurationMs: duration.Milliseconds(),
		Timestamp:  now,
	}
	s.order = append(s.order, id)
	s.results[id] = rec
	s.tiers[id] = models.TierFull
	summary.ResultID = id
	s.summaries[id] = summary

	err := s.appendLocked(Entry{
		Type:       EntryToolResult,
		Timestamp:  now,
		ResultID:   id,
		ToolName:   tool,
		Args:       args,
		Result:     result,
		DurationMs: rec.DurationMs,
	})
	if err != nil {
		s.logger.Warn("scratchpad log append failed", slog.Any("error", err))
	}
	return id, err
}

// CanCallTool reports whether a tool call should carry a usage warning and
// counts the intended call. The call is always allowed; warnings fire at the
// soft cap, one call before it, and on near-duplicate queries.
func (s *Scratchpad) CanCallTool(tool, query string) CallCheck {
	s.mu.Lock()
	defer s.mu.Unlock()

	check := CallCheck{Allowed: true}
	calls := s.toolCalls[tool]
	s.toolCalls[tool] = calls + 1

	switch {
	case calls >= s.softCap:
		check.Warning = fmt.Sprintf("tool %s has reached its usage cap (%d/%d); prefer reusing earlier results by id", tool, s.softCap, s.softCap)
	case calls == s.softCap-1:
		check.Warning = fmt.Sprintf("tool %s is one call away from its usage cap (%d/%d)", tool, calls, s.softCap)
	}

	if query != "" {
		for _, prior := range s.toolQueries[tool] {
			if jaccard(query, prior) >= s.simWarn {
				dup := fmt.Sprintf("query for %s is nearly identical to an earlier one; consider retrieving the prior result instead", tool)
				if check.Warning == "" {
					check.Warning = dup
				} else {
					check.Warning += "; " + dup
				}
				break
			}
		}
		s.toolQueries[tool] = append(s.toolQueries[tool], query)
	}

	return check
}

// ApplyCompactionPlan moves each referenced result to its assigned tier.
// Cleared results stay retrievable through GetResultByID.
func (s *Scratchpad) ApplyCompactionPlan(plan CompactionPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range plan.KeepFull {
		if _, ok := s.results[id]; ok {
			s.tiers[id] = models.TierFull
		}
	}
	for _, id := range plan.Compact {
		if _, ok := s.results[id]; ok {
			s.tiers[id] = models.TierCompact
		}
	}
	for _, id := range plan.Clear {
		if _, ok := s.results[id]; ok {
			s.tiers[id] = models.TierCleared
		}
	}
}

// GetResultByID returns the archived full result regardless of tier.
func (s *Scratchpad) GetResultByID(id string) (models.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.results[id]
	if !ok {
		return models.ToolResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Results returns all tool results in append order.
func (s *Scratchpad) Results() []models.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ToolResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id])
	}
	return out
}

// Summaries returns the compact summaries keyed by result id.
func (s *Scratchpad) Summaries() map[string]models.CompactSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.CompactSummary, len(s.summaries))
	for k, v := range s.summaries {
		out[k] = v
	}
	return out
}

// Tier returns the current tier of a result.
func (s *Scratchpad) Tier(id string) (models.Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[id]
	return t, ok
}

// BuildTieredContext renders full results verbatim, compact results as
// one-line summaries keyed by result id, and a count of cleared results with
// instructions to retrieve them by id.
func (s *Scratchpad) BuildTieredContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	cleared := 0

	for _, id := range s.order {
		rec := s.results[id]
		switch s.tiers[id] {
		case models.TierFull:
			payload, err := json.Marshal(rec.Result)
			if err != nil {
				payload = []byte(fmt.Sprintf("%v", rec.Result))
			}
			fmt.Fprintf(&b, "[%s] %s(%s) -> %s\n", id, rec.ToolName, compactArgs(rec.Args), payload)
		case models.TierCompact:
			sum := s.summaries[id]
			fmt.Fprintf(&b, "[%s] %s: %s (health=%s", id, rec.ToolName, sum.ShortText, sum.HealthStatus)
			if sum.HasErrors {
				b.WriteString(", errors")
			}
			b.WriteString(")\n")
		case models.TierCleared:
			cleared++
		}
	}

	if cleared > 0 {
		fmt.Fprintf(&b, "(%d earlier results cleared from context; call get_result_by_id with the result id to retrieve any of them)\n", cleared)
	}
	return b.String()
}

// TokenEstimate approximates the token cost of the current tiered context.
func (s *Scratchpad) TokenEstimate() int {
	return len(s.BuildTieredContext()) / 4
}

// ToolCallCount returns how many times a tool was invoked this session.
func (s *Scratchpad) ToolCallCount(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCalls[tool]
}

func (s *Scratchpad) replay() error {
	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open scratchpad log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn("skipping malformed scratchpad line", slog.Any("error", err))
			continue
		}
		if entry.Type != EntryToolResult || entry.ResultID == "" {
			continue
		}
		s.order = append(s.order, entry.ResultID)
		s.results[entry.ResultID] = models.ToolResult{
			ResultID:   entry.ResultID,
			ToolName:   entry.ToolName,
			Args:       entry.Args,
			Result:     entry.Result,
			DurationMs: entry.DurationMs,
			Timestamp:  entry.Timestamp,
		}
		s.tiers[entry.ResultID] = models.TierFull
		s.summaries[entry.ResultID] = Summarize(entry.ToolName, entry.Args, entry.Result)
		s.toolCalls[entry.ToolName]++
	}
	return scanner.Err()
}

func compactArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

// jaccard computes word-set similarity between two queries.
func jaccard(a, b string) float64 {
	as := wordSet(a)
	bs := wordSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	intersection := 0
	for w := range as {
		if _, ok := bs[w]; ok {
			intersection++
		}
	}
	union := len(as) + len(bs) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}
