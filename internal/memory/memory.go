package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/utils"
)

// Lexicons configure the keyword sets used to classify model reasoning.
// They are configuration, not code: operators may extend them.
type Lexicons struct {
	RootCause []string
	Symptom   []string
	Evidence  []string
}

// DefaultLexicons returns the built-in classification keywords.
func DefaultLexicons() Lexicons {
	return Lexicons{
		RootCause: []string{"root cause", "caused by", "because of", "due to", "culprit", "originates from"},
		Symptom:   []string{"symptom", "observing", "experiencing", "elevated", "spike", "degraded", "failing", "erroring", "timing out"},
		Evidence:  []string{"evidence", "confirms", "indicates", "shows that", "consistent with", "correlates", "suggests"},
	}
}

func (l Lexicons) withDefaults() Lexicons {
	defaults := DefaultLexicons()
	if len(l.RootCause) == 0 {
		l.RootCause = defaults.RootCause
	}
	if len(l.Symptom) == 0 {
		l.Symptom = defaults.Symptom
	}
	if len(l.Evidence) == 0 {
		l.Evidence = defaults.Evidence
	}
	return l
}

// serviceNamePattern matches dashed lowercase identifiers and key=value
// service references in free text.
var serviceNamePattern = regexp.MustCompile(`(?:service|svc|pod|deployment)[=:\s]+([a-z0-9][a-z0-9-]{2,})|\b([a-z][a-z0-9]*(?:-[a-z0-9]+)+)\b`)

// Memory is the structured, persisted record of investigation findings. It
// survives context compaction: compaction never touches notes.
type Memory struct {
	mu sync.Mutex

	dir      string
	lexicons Lexicons
	logger   *slog.Logger
	state    models.InvestigationState
}

// Options configures a Memory.
type Options struct {
	Dir        string
	SessionID  string
	Query      string
	IncidentID string
	Lexicons   Lexicons
	Logger     *slog.Logger
}

// New creates (or resumes) the investigation memory for a session. An
// existing {sessionId}.json is loaded when present.
func New(opts Options) (*Memory, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create investigations dir: %w", err)
	}

	m := &Memory{
		dir:      opts.Dir,
		lexicons: opts.Lexicons.withDefaults(),
		logger:   opts.Logger,
	}

	if prior, err := Load(opts.Dir, opts.SessionID); err == nil {
		m.state = *prior
		return m, nil
	}

	now := time.Now().UTC()
	m.state = models.InvestigationState{
		Query:         opts.Query,
		IncidentID:    opts.IncidentID,
		SessionID:     opts.SessionID,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	return m, nil
}

// Load reads a persisted investigation state by session id.
func Load(dir, sessionID string) (*models.InvestigationState, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if err != nil {
		return nil, err
	}
	var state models.InvestigationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse investigation state: %w", err)
	}
	return &state, nil
}

// State returns a copy of the current investigation state.
func (m *Memory) State() models.InvestigationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Memory) snapshotLocked() models.InvestigationState {
	state := m.state
	state.Notes = append([]models.InvestigationNote(nil), m.state.Notes...)
	state.ServicesDiscovered = append([]string(nil), m.state.ServicesDiscovered...)
	state.SymptomsIdentified = append([]string(nil), m.state.SymptomsIdentified...)
	state.ActiveHypotheses = append([]string(nil), m.state.ActiveHypotheses...)
	state.PrunedHypotheses = append([]string(nil), m.state.PrunedHypotheses...)
	return state
}

// AddSymptom records an observed symptom.
func (m *Memory) AddSymptom(content string, services []string, sourceResultIDs []string) models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	note := m.appendNoteLocked(models.InvestigationNote{
		Type:             models.NoteSymptom,
		Content:          content,
		Confidence:       0.6,
		SourceResultIDs:  sourceResultIDs,
		ServicesInvolved: services,
	})
	m.addSymptomFacetLocked(content)
	m.addServicesLocked(services)
	m.persistLocked()
	return note
}

// AddEvidence attaches a graded finding to a hypothesis.
func (m *Memory) AddEvidence(hypothesisID string, strength models.EvidenceStrength, content string, sourceResultIDs []string, services []string) models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	confidence := 0.5
	switch strength {
	case models.EvidenceStrong:
		confidence = 0.9
	case models.EvidenceWeak:
		confidence = 0.5
	case models.EvidenceContradicting:
		confidence = 0.8
	case models.EvidenceNone:
		confidence = 0.3
	}

	note := m.appendNoteLocked(models.InvestigationNote{
		Type:             models.NoteEvidence,
		Content:          content,
		Confidence:       confidence,
		EvidenceStrength: strength,
		SourceResultIDs:  sourceResultIDs,
		ServicesInvolved: services,
		HypothesisID:     hypothesisID,
	})
	m.addServicesLocked(services)
	m.persistLocked()
	return note
}

// HypothesisAction describes a lifecycle change worth recording.
type HypothesisAction string

const (
	HypothesisFormed    HypothesisAction = "formed"
	HypothesisPruned    HypothesisAction = "pruned"
	HypothesisConfirmed HypothesisAction = "confirmed"
)

// AddHypothesisUpdate records a hypothesis lifecycle change. Confirming a
// hypothesis also populates the confirmed root cause, aggregating all
// strong-evidence note contents.
func (m *Memory) AddHypothesisUpdate(hypothesisID, statement string, action HypothesisAction, reasoning string) models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	content := fmt.Sprintf("hypothesis %s: %s", action, statement)
	if reasoning != "" {
		content += ": " + reasoning
	}

	note := m.appendNoteLocked(models.InvestigationNote{
		Type:         models.NoteHypothesisUpdate,
		Content:      content,
		Confidence:   0.7,
		HypothesisID: hypothesisID,
	})

	switch action {
	case HypothesisFormed:
		m.state.ActiveHypotheses = appendUnique(m.state.ActiveHypotheses, hypothesisID)
	case HypothesisPruned:
		m.state.ActiveHypotheses = remove(m.state.ActiveHypotheses, hypothesisID)
		m.state.PrunedHypotheses = appendUnique(m.state.PrunedHypotheses, hypothesisID)
	case HypothesisConfirmed:
		m.state.ActiveHypotheses = remove(m.state.ActiveHypotheses, hypothesisID)
		m.state.ConfirmedRootCause = m.aggregateRootCauseLocked(hypothesisID, statement)
	}
	m.persistLocked()
	return note
}

// AddRootCauseCandidate records a candidate cause surfaced by reasoning.
func (m *Memory) AddRootCauseCandidate(content string, confidence float64, sourceResultIDs []string) models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	note := m.appendNoteLocked(models.InvestigationNote{
		Type:            models.NoteRootCauseCandidate,
		Content:         content,
		Confidence:      confidence,
		SourceResultIDs: sourceResultIDs,
	})
	m.persistLocked()
	return note
}

// AddServiceImpact records a blast-radius observation.
func (m *Memory) AddServiceImpact(content string, services []string) models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	note := m.appendNoteLocked(models.InvestigationNote{
		Type:             models.NoteServiceImpact,
		Content:          content,
		Confidence:       0.6,
		ServicesInvolved: services,
	})
	m.addServicesLocked(services)
	m.persistLocked()
	return note
}

// AddRemediationStep records a proposed remediation action.
func (m *Memory) AddRemediationStep(content string) models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	note := m.appendNoteLocked(models.InvestigationNote{
		Type:       models.NoteRemediationStep,
		Content:    content,
		Confidence: 0.7,
	})
	m.persistLocked()
	return note
}

// ExtractFromThinking sentence-splits model reasoning and appends classified
// notes. Best effort: classification is lexicon driven.
func (m *Memory) ExtractFromThinking(text, resultID string) []models.InvestigationNote {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []models.InvestigationNote
	var sources []string
	if resultID != "" {
		sources = []string{resultID}
	}

	for _, sentence := range splitSentences(text) {
		if len(sentence) <= 15 {
			continue
		}
		lower := strings.ToLower(sentence)
		services := extractServiceNames(lower)

		var noteType models.NoteType
		switch {
		case matchesAny(lower, m.lexicons.RootCause):
			noteType = models.NoteRootCauseCandidate
		case matchesAny(lower, m.lexicons.Evidence):
			noteType = models.NoteEvidence
		case matchesAny(lower, m.lexicons.Symptom):
			noteType = models.NoteSymptom
		default:
			continue
		}

		note := m.appendNoteLocked(models.InvestigationNote{
			Type:             noteType,
			Content:          sentence,
			Confidence:       0.5,
			SourceResultIDs:  sources,
			ServicesInvolved: services,
		})
		if noteType == models.NoteSymptom {
			m.addSymptomFacetLocked(sentence)
		}
		m.addServicesLocked(services)
		added = append(added, note)
	}

	if len(added) > 0 {
		m.persistLocked()
	}
	return added
}

// AdvanceIteration bumps the iteration counter.
func (m *Memory) AdvanceIteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.CurrentIteration++
	m.persistLocked()
	return m.state.CurrentIteration
}

// UpdateProgressSummary replaces the rolling progress summary.
func (m *Memory) UpdateProgressSummary(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.ProgressSummary = text
	m.persistLocked()
}

// RecordServices merges newly discovered services into the state.
func (m *Memory) RecordServices(services []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addServicesLocked(services)
	m.persistLocked()
}

// BuildContextSummary renders the per-iteration memory block injected into
// the prompt.
func (m *Memory) BuildContextSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d.", m.state.CurrentIteration)
	if m.state.ProgressSummary != "" {
		b.WriteString(" Progress: ")
		b.WriteString(m.state.ProgressSummary)
	}
	if len(m.state.ServicesDiscovered) > 0 {
		fmt.Fprintf(&b, "\nServices discovered: %s", strings.Join(m.state.ServicesDiscovered, ", "))
	}
	if len(m.state.SymptomsIdentified) > 0 {
		fmt.Fprintf(&b, "\nSymptoms: %s", strings.Join(m.state.SymptomsIdentified, "; "))
	}
	if m.state.ConfirmedRootCause != "" {
		fmt.Fprintf(&b, "\nConfirmed root cause: %s", m.state.ConfirmedRootCause)
	}

	recent := m.state.Notes
	if len(recent) > 8 {
		recent = recent[len(recent)-8:]
	}
	if len(recent) > 0 {
		b.WriteString("\nRecent findings:")
		for _, note := range recent {
			fmt.Fprintf(&b, "\n- [%s] %s", note.Type, note.Content)
		}
	}
	return b.String()
}

// BuildFinalSummary renders the concluding report body.
func (m *Memory) BuildFinalSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Investigation %s", m.state.SessionID)
	if m.state.IncidentID != "" {
		fmt.Fprintf(&b, " (incident %s)", m.state.IncidentID)
	}
	fmt.Fprintf(&b, "\nQuery: %s\nIterations: %d\n", m.state.Query, m.state.CurrentIteration)
	if !m.state.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %.1f minutes\n", utils.DurationMinutes(m.state.StartedAt, m.state.LastUpdatedAt))
	}

	if m.state.ConfirmedRootCause != "" {
		fmt.Fprintf(&b, "\nRoot cause: %s\n", m.state.ConfirmedRootCause)
	} else {
		b.WriteString("\nRoot cause: not confirmed (insufficient evidence)\n")
	}

	byType := make(map[models.NoteType][]models.InvestigationNote)
	for _, note := range m.state.Notes {
		byType[note.Type] = append(byType[note.Type], note)
	}
	for _, t := range []models.NoteType{models.NoteSymptom, models.NoteEvidence, models.NoteRootCauseCandidate, models.NoteServiceImpact, models.NoteRemediationStep, models.NoteEscalation} {
		notes := byType[t]
		if len(notes) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", strings.ReplaceAll(string(t), "_", " "))
		for _, note := range notes {
			fmt.Fprintf(&b, "- %s", note.Content)
			if len(note.SourceResultIDs) > 0 {
				fmt.Fprintf(&b, " [%s]", strings.Join(note.SourceResultIDs, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Save persists the current state; called implicitly after every write.
func (m *Memory) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Memory) appendNoteLocked(note models.InvestigationNote) models.InvestigationNote {
	note.ID = "n-" + uuid.NewString()[:8]
	note.Iteration = m.state.CurrentIteration
	note.Timestamp = time.Now().UTC()
	m.state.Notes = append(m.state.Notes, note)
	m.state.LastUpdatedAt = note.Timestamp
	return note
}

func (m *Memory) aggregateRootCauseLocked(hypothesisID, statement string) string {
	var strong []string
	for _, note := range m.state.Notes {
		if note.Type == models.NoteEvidence && note.HypothesisID == hypothesisID && note.EvidenceStrength == models.EvidenceStrong {
			strong = append(strong, note.Content)
		}
	}
	if len(strong) == 0 {
		return statement
	}
	return statement + " (supported by: " + strings.Join(strong, "; ") + ")"
}

func (m *Memory) addServicesLocked(services []string) {
	for _, svc := range services {
		if svc != "" {
			m.state.ServicesDiscovered = appendUnique(m.state.ServicesDiscovered, svc)
		}
	}
}

func (m *Memory) addSymptomFacetLocked(symptom string) {
	symptom = strings.TrimSpace(symptom)
	if symptom != "" {
		m.state.SymptomsIdentified = appendUnique(m.state.SymptomsIdentified, symptom)
	}
}

// persistLocked saves best-effort; failures are logged, not fatal, so the
// investigation continues on in-memory state.
func (m *Memory) persistLocked() {
	if err := m.saveLocked(); err != nil {
		m.logger.Warn("investigation memory persist failed", slog.Any("error", err))
	}
}

func (m *Memory) saveLocked() error {
	m.state.LastUpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal investigation state: %w", err)
	}
	path := filepath.Join(m.dir, m.state.SessionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write investigation state: %w", err)
	}
	return nil
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func extractServiceNames(lower string) []string {
	matches := serviceNamePattern.FindAllStringSubmatch(lower, -1)
	seen := make(map[string]struct{})
	var out []string
	for _, match := range matches {
		name := match[1]
		if name == "" {
			name = match[2]
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func matchesAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func remove(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
