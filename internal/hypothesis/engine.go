package hypothesis

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// Sentinel failures for tree operations.
var (
	ErrNotFound      = fmt.Errorf("hypothesis: not found")
	ErrPruned        = fmt.Errorf("hypothesis: subtree pruned")
	ErrDepthExceeded = fmt.Errorf("hypothesis: depth budget exceeded")
	ErrConfirmed     = fmt.Errorf("hypothesis: tree already has a confirmed node")
)

// Action is the branch/prune policy outcome for one evaluated hypothesis.
type Action string

const (
	ActionBranch      Action = "branch"
	ActionConfirm     Action = "confirm"
	ActionKeepActive  Action = "keep_active"
	ActionPrune       Action = "prune"
)

// SpecificityFunc decides whether a statement is concrete enough to confirm
// rather than branch. The default looks for a named resource.
type SpecificityFunc func(statement string) bool

// Engine owns the hypothesis tree for a single investigation.
type Engine struct {
	mu sync.Mutex

	maxDepth    int
	isSpecific  SpecificityFunc
	logger      *slog.Logger
	nodes       map[string]*models.HypothesisNode
	children    map[string][]string
	evidence    map[string][]models.Evidence
	order       []string
	rootID      string
	confirmedID string
}

// Options configures an Engine.
type Options struct {
	MaxDepth    int
	Specificity SpecificityFunc
	Logger      *slog.Logger
}

// New constructs an empty hypothesis tree.
func New(opts Options) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 4
	}
	if opts.Specificity == nil {
		opts.Specificity = DefaultSpecificity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		maxDepth:   opts.MaxDepth,
		isSpecific: opts.Specificity,
		logger:     opts.Logger,
		nodes:      make(map[string]*models.HypothesisNode),
		children:   make(map[string][]string),
		evidence:   make(map[string][]models.Evidence),
	}
}

// namedResourcePattern matches dashed identifiers, key:value pairs and quoted
// names, the signals that a statement points at a concrete resource.
var namedResourcePattern = regexp.MustCompile(`[a-z][a-z0-9]*(?:-[a-z0-9]+)+|\w+[=:]\S+|"[^"]+"`)

// DefaultSpecificity reports whether the statement names a concrete resource.
func DefaultSpecificity(statement string) bool {
	return namedResourcePattern.MatchString(strings.ToLower(statement))
}

// Propose creates a hypothesis. With an empty parentID it creates the root;
// there is exactly one root per investigation.
func (e *Engine) Propose(statement string, category models.HypothesisCategory, priority int, parentID string) (models.HypothesisNode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	depth := 0
	if parentID == "" {
		if e.rootID != "" {
			// Subsequent top-level proposals branch off the root.
			parentID = e.rootID
		}
	}
	if parentID != "" {
		parent, ok := e.nodes[parentID]
		if !ok {
			return models.HypothesisNode{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if parent.Status == models.HypothesisPruned {
			return models.HypothesisNode{}, fmt.Errorf("%w: parent %s", ErrPruned, parentID)
		}
		depth = parent.Depth + 1
	}
	if depth > e.maxDepth {
		return models.HypothesisNode{}, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth, e.maxDepth)
	}

	node := &models.HypothesisNode{
		ID:               "h-" + uuid.NewString()[:8],
		ParentID:         parentID,
		Statement:        statement,
		Category:         category,
		Priority:         priority,
		Status:           models.HypothesisActive,
		EvidenceStrength: models.EvidencePending,
		Depth:            depth,
		CreatedAt:        time.Now().UTC(),
	}

	e.nodes[node.ID] = node
	e.order = append(e.order, node.ID)
	if parentID == "" {
		e.rootID = node.ID
	} else {
		e.children[parentID] = append(e.children[parentID], node.ID)
	}

	e.logger.Debug("hypothesis proposed",
		slog.String("id", node.ID), slog.Int("depth", depth), slog.String("category", string(category)))
	return *node, nil
}

// AttachEvidence appends evidence and updates the node's aggregate strength.
func (e *Engine) AttachEvidence(hypothesisID string, strength models.EvidenceStrength, content string, sourceResultIDs []string) (models.Evidence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[hypothesisID]
	if !ok {
		return models.Evidence{}, fmt.Errorf("%w: %s", ErrNotFound, hypothesisID)
	}
	if node.Status == models.HypothesisPruned {
		return models.Evidence{}, fmt.Errorf("%w: %s", ErrPruned, hypothesisID)
	}

	ev := models.Evidence{
		NoteID:          "e-" + uuid.NewString()[:8],
		HypothesisID:    hypothesisID,
		SourceResultIDs: append([]string(nil), sourceResultIDs...),
		Strength:        strength,
		Content:         content,
		Timestamp:       time.Now().UTC(),
	}
	e.evidence[hypothesisID] = append(e.evidence[hypothesisID], ev)
	node.EvidenceStrength = mergeStrength(node.EvidenceStrength, strength)
	return ev, nil
}

// Prune marks the node and its entire subtree pruned. A pruned subtree never
// re-opens.
func (e *Engine) Prune(hypothesisID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[hypothesisID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hypothesisID)
	}
	if node.Status == models.HypothesisPruned {
		return fmt.Errorf("%w: %s", ErrPruned, hypothesisID)
	}
	if node.ID == e.confirmedID {
		return fmt.Errorf("cannot prune confirmed hypothesis %s", hypothesisID)
	}

	e.pruneSubtreeLocked(hypothesisID)
	e.logger.Debug("hypothesis pruned", slog.String("id", hypothesisID), slog.String("reason", reason))
	return nil
}

func (e *Engine) pruneSubtreeLocked(id string) {
	node := e.nodes[id]
	if node.Status != models.HypothesisConfirmed {
		node.Status = models.HypothesisPruned
	}
	for _, child := range e.children[id] {
		e.pruneSubtreeLocked(child)
	}
}

// Confirm marks a node confirmed. At most one confirmed node per tree.
func (e *Engine) Confirm(hypothesisID string, evidence []models.Evidence) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[hypothesisID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hypothesisID)
	}
	if node.Status == models.HypothesisPruned {
		return fmt.Errorf("%w: %s", ErrPruned, hypothesisID)
	}
	if e.confirmedID != "" && e.confirmedID != hypothesisID {
		return ErrConfirmed
	}

	node.Status = models.HypothesisConfirmed
	node.EvidenceStrength = models.EvidenceStrong
	e.confirmedID = hypothesisID
	for _, ev := range evidence {
		ev.HypothesisID = hypothesisID
		e.evidence[hypothesisID] = append(e.evidence[hypothesisID], ev)
	}
	return nil
}

// Frontier returns the active leaf hypotheses still worth investigating,
// ordered by priority descending then creation order.
func (e *Engine) Frontier() []models.HypothesisNode {
	e.mu.Lock()
	defer e.mu.Unlock()

	var frontier []models.HypothesisNode
	for _, id := range e.order {
		node := e.nodes[id]
		if node.Status != models.HypothesisActive {
			continue
		}
		if !e.ancestorsActiveLocked(node) {
			continue
		}
		if e.hasActiveChildLocked(id) {
			continue
		}
		switch node.EvidenceStrength {
		case models.EvidencePending, models.EvidenceNone, models.EvidenceWeak:
			frontier = append(frontier, *node)
		}
	}

	sort.SliceStable(frontier, func(i, j int) bool {
		return frontier[i].Priority > frontier[j].Priority
	})
	return frontier
}

func (e *Engine) ancestorsActiveLocked(node *models.HypothesisNode) bool {
	for node.ParentID != "" {
		parent, ok := e.nodes[node.ParentID]
		if !ok {
			return false
		}
		if parent.Status != models.HypothesisActive {
			return false
		}
		node = parent
	}
	return true
}

func (e *Engine) hasActiveChildLocked(id string) bool {
	for _, child := range e.children[id] {
		if e.nodes[child].Status == models.HypothesisActive {
			return true
		}
	}
	return false
}

// IsComplete reports whether the investigation of the tree is finished: a
// confirmed node exists, or the frontier is empty.
func (e *Engine) IsComplete() bool {
	if e.Confirmed() != nil {
		return true
	}
	return len(e.Frontier()) == 0
}

// Confirmed returns the confirmed node, if any.
func (e *Engine) Confirmed() *models.HypothesisNode {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.confirmedID == "" {
		return nil
	}
	node := *e.nodes[e.confirmedID]
	return &node
}

// Get returns a node by id.
func (e *Engine) Get(id string) (models.HypothesisNode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return models.HypothesisNode{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *node, nil
}

// Evidence returns the evidence attached to a hypothesis.
func (e *Engine) Evidence(id string) []models.Evidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Evidence(nil), e.evidence[id]...)
}

// All returns every node in creation order.
func (e *Engine) All() []models.HypothesisNode {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.HypothesisNode, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.nodes[id])
	}
	return out
}

// ActiveIDs returns the ids of all active nodes.
func (e *Engine) ActiveIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]struct{})
	for id, node := range e.nodes {
		if node.Status == models.HypothesisActive {
			out[id] = struct{}{}
		}
	}
	return out
}

// Evaluate applies the branch/prune policy to a hypothesis given the latest
// evidence strength: strong+specific confirms, strong+vague branches, weak
// keeps investigating, none or contradicting prunes.
func (e *Engine) Evaluate(hypothesisID string, strength models.EvidenceStrength) (Action, error) {
	e.mu.Lock()
	node, ok := e.nodes[hypothesisID]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, hypothesisID)
	}
	if node.Status == models.HypothesisPruned {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrPruned, hypothesisID)
	}
	statement := node.Statement
	depth := node.Depth
	e.mu.Unlock()

	switch strength {
	case models.EvidenceStrong:
		if e.isSpecific(statement) || depth >= e.maxDepth {
			return ActionConfirm, nil
		}
		return ActionBranch, nil
	case models.EvidenceWeak:
		return ActionKeepActive, nil
	case models.EvidenceNone, models.EvidenceContradicting:
		return ActionPrune, nil
	default:
		return ActionKeepActive, nil
	}
}

// mergeStrength keeps the most decisive observed strength on the node.
// Contradicting evidence overrides supportive evidence.
func mergeStrength(current, incoming models.EvidenceStrength) models.EvidenceStrength {
	rank := func(s models.EvidenceStrength) int {
		switch s {
		case models.EvidenceContradicting:
			return 4
		case models.EvidenceStrong:
			return 3
		case models.EvidenceWeak:
			return 2
		case models.EvidenceNone:
			return 1
		default:
			return 0
		}
	}
	if rank(incoming) >= rank(current) {
		return incoming
	}
	return current
}
