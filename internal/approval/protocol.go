package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/miradorstack/mirador-agent/internal/metrics"
	"github.com/miradorstack/mirador-agent/internal/models"
)

// Notifier dispatches an approval request through an out-of-band channel,
// typically a chat message with approve/reject buttons.
type Notifier interface {
	Notify(ctx context.Context, req models.MutationRequest) error
}

// Prompter asks a human for a decision and returns the raw answer.
type Prompter interface {
	Prompt(ctx context.Context, req models.MutationRequest) (string, error)
}

// DecisionFile is the on-disk shape of `{mutationId}.json`, written by the
// webhook receiver (or any out-of-band resolver) when a decision lands.
type DecisionFile struct {
	MutationID string    `json:"mutationId"`
	Approved   bool      `json:"approved"`
	ApprovedBy string    `json:"approvedBy,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// auditRecord is one approvals.jsonl line.
type auditRecord struct {
	Timestamp  time.Time        `json:"timestamp"`
	MutationID string           `json:"mutationId"`
	Operation  string           `json:"operation"`
	Resource   string           `json:"resource"`
	RiskLevel  models.RiskLevel `json:"riskLevel"`
	Approved   bool             `json:"approved"`
	ApprovedBy string           `json:"approvedBy,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Options configures a Protocol.
type Options struct {
	PendingDir  string
	AuditDir    string
	AutoApprove []models.RiskLevel
	Timeout     time.Duration
	Cooldown    time.Duration
	Notifier    Notifier
	Prompter    Prompter
	Logger      *slog.Logger
}

// Protocol mediates every state-changing operation: risk classification,
// dual-channel approval, cooldown tracking and an append-only audit log.
type Protocol struct {
	pendingDir  string
	auditPath   string
	autoApprove map[models.RiskLevel]struct{}
	timeout     time.Duration
	cooldown    time.Duration
	notifier    Notifier
	prompter    Prompter
	logger      *slog.Logger

	mu           sync.Mutex
	lastCritical time.Time
}

const pollInterval = 2 * time.Second

// New constructs a Protocol. The pending and audit directories are created
// on first use.
func New(opts Options) (*Protocol, error) {
	if opts.PendingDir == "" {
		opts.PendingDir = filepath.Join(os.TempDir(), "mirador-agent", "pending")
	}
	if opts.AuditDir == "" {
		opts.AuditDir = filepath.Dir(opts.PendingDir)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for _, dir := range []string{opts.PendingDir, opts.AuditDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("approval: create %s: %w", dir, err)
		}
	}

	auto := make(map[models.RiskLevel]struct{}, len(opts.AutoApprove))
	for _, risk := range opts.AutoApprove {
		auto[risk] = struct{}{}
	}
	return &Protocol{
		pendingDir:  opts.PendingDir,
		auditPath:   filepath.Join(opts.AuditDir, "approvals.jsonl"),
		autoApprove: auto,
		timeout:     opts.Timeout,
		cooldown:    opts.Cooldown,
		notifier:    opts.Notifier,
		prompter:    opts.Prompter,
		logger:      opts.Logger,
	}, nil
}

// RequestApproval classifies the mutation and resolves a decision through the
// configured channels. Every decision is audited exactly once.
func (p *Protocol) RequestApproval(ctx context.Context, req models.MutationRequest) (models.ApprovalDecision, error) {
	if req.RiskLevel == "" {
		req.RiskLevel = ClassifyRisk(req.Operation, req.Resource)
	}

	// Critical mutations are rate-limited: a second one inside the cooldown
	// window is rejected before any approval channel is consulted.
	if req.RiskLevel == models.RiskCritical {
		if allowed, remaining := p.CheckCooldown(req.Operation, p.cooldown); !allowed {
			decision := rejectedDecision(fmt.Sprintf("critical mutation cooldown active, retry in %s", remaining.Round(time.Second)))
			p.audit(req, decision)
			metrics.ObserveApproval(string(req.RiskLevel), decision.Approved)
			return decision, nil
		}
	}

	var decision models.ApprovalDecision
	if _, ok := p.autoApprove[req.RiskLevel]; ok {
		decision = approvedDecision("auto", "risk level in auto-approve set")
	} else if p.notifier != nil {
		decision = p.outOfBand(ctx, req)
	} else if p.prompter != nil {
		decision = p.interactive(ctx, req)
	} else {
		decision = rejectedDecision("no approval channel configured")
	}

	if decision.Approved && req.RiskLevel == models.RiskCritical {
		p.mu.Lock()
		p.lastCritical = time.Now()
		p.mu.Unlock()
	}

	p.audit(req, decision)
	metrics.ObserveApproval(string(req.RiskLevel), decision.Approved)
	return decision, nil
}

// outOfBand writes the pending file, dispatches the notification, and races
// the decision-file poller against the interactive prompt.
func (p *Protocol) outOfBand(ctx context.Context, req models.MutationRequest) models.ApprovalDecision {
	if err := p.writePending(req); err != nil {
		p.logger.Warn("pending file write failed", slog.String("error", err.Error()))
		return p.interactive(ctx, req)
	}
	if err := p.notifier.Notify(ctx, req); err != nil {
		p.logger.Warn("approval notification failed", slog.String("error", err.Error()))
		p.removePending(req.ID)
		return p.interactive(ctx, req)
	}

	raceCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resolved := make(chan models.ApprovalDecision, 2)
	go func() {
		if d, ok := p.pollDecision(raceCtx, req.ID); ok {
			resolved <- d
		}
	}()
	if p.prompter != nil {
		go func() {
			if d, ok := p.promptDecision(raceCtx, req); ok {
				resolved <- d
			}
		}()
	}

	defer p.removePending(req.ID)
	select {
	case d := <-resolved:
		return d
	case <-raceCtx.Done():
		if ctx.Err() != nil {
			return rejectedDecision("cancelled")
		}
		return rejectedDecision("timeout")
	}
}

func (p *Protocol) interactive(ctx context.Context, req models.MutationRequest) models.ApprovalDecision {
	if p.prompter == nil {
		return rejectedDecision("no interactive prompter configured")
	}
	if d, ok := p.promptDecision(ctx, req); ok {
		return d
	}
	return rejectedDecision("prompt failed")
}

// promptDecision interprets the operator's answer. Critical mutations require
// the exact word "yes"; lower risks also accept "y".
func (p *Protocol) promptDecision(ctx context.Context, req models.MutationRequest) (models.ApprovalDecision, bool) {
	answer, err := p.prompter.Prompt(ctx, req)
	if err != nil {
		p.logger.Warn("interactive prompt failed", slog.String("error", err.Error()))
		return models.ApprovalDecision{}, false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))

	approved := false
	if req.RiskLevel == models.RiskCritical {
		approved = answer == "yes"
	} else {
		approved = answer == "y" || answer == "yes"
	}
	if approved {
		return approvedDecision("operator", ""), true
	}
	return rejectedDecision("declined by operator"), true
}

// pollDecision waits for `{mutationId}.json` to appear, checking every poll
// interval and waking early on filesystem events. Transient read errors are
// tolerated until the context expires.
func (p *Protocol) pollDecision(ctx context.Context, mutationID string) (models.ApprovalDecision, bool) {
	decisionPath := filepath.Join(p.pendingDir, mutationID+".json")

	var watchEvents chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(p.pendingDir); err == nil {
			watchEvents = make(chan fsnotify.Event, 8)
			go func() {
				defer watcher.Close()
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case watchEvents <- ev:
						default:
						}
					case <-watcher.Errors:
					case <-ctx.Done():
						return
					}
				}
			}()
		} else {
			watcher.Close()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if d, ok := p.readDecision(decisionPath); ok {
			return d, true
		}
		select {
		case <-ticker.C:
		case ev := <-watchEvents:
			if ev.Name != decisionPath {
				continue
			}
		case <-ctx.Done():
			return models.ApprovalDecision{}, false
		}
	}
}

func (p *Protocol) readDecision(path string) (models.ApprovalDecision, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ApprovalDecision{}, false
	}
	var df DecisionFile
	if err := json.Unmarshal(data, &df); err != nil {
		p.logger.Warn("malformed decision file", slog.String("path", path), slog.String("error", err.Error()))
		return models.ApprovalDecision{}, false
	}
	at := df.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return models.ApprovalDecision{
		Approved:   df.Approved,
		ApprovedAt: &at,
		ApprovedBy: df.ApprovedBy,
		Reason:     df.Reason,
	}, true
}

func (p *Protocol) writePending(req models.MutationRequest) error {
	payload := struct {
		models.MutationRequest
		RequestedAt time.Time `json:"requestedAt"`
	}{req, time.Now().UTC()}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.pendingDir, req.ID+"_pending.json"), data, 0o644)
}

func (p *Protocol) removePending(mutationID string) {
	for _, name := range []string{mutationID + "_pending.json", mutationID + ".json"} {
		if err := os.Remove(filepath.Join(p.pendingDir, name)); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("pending cleanup failed", slog.String("file", name), slog.String("error", err.Error()))
		}
	}
}

// audit appends exactly one line per decision to approvals.jsonl.
func (p *Protocol) audit(req models.MutationRequest, decision models.ApprovalDecision) {
	record := auditRecord{
		Timestamp:  time.Now().UTC(),
		MutationID: req.ID,
		Operation:  req.Operation,
		Resource:   req.Resource,
		RiskLevel:  req.RiskLevel,
		Approved:   decision.Approved,
		ApprovedBy: decision.ApprovedBy,
		Reason:     decision.Reason,
	}
	line, err := json.Marshal(record)
	if err != nil {
		p.logger.Error("audit marshal failed", slog.String("error", err.Error()))
		return
	}

	f, err := os.OpenFile(p.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.logger.Error("audit open failed", slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		p.logger.Error("audit write failed", slog.String("error", err.Error()))
	}
}

// CheckCooldown reports whether enough time has passed since the last
// critical-risk mutation.
func (p *Protocol) CheckCooldown(operation string, cooldown time.Duration) (bool, time.Duration) {
	p.mu.Lock()
	last := p.lastCritical
	p.mu.Unlock()

	if last.IsZero() || cooldown <= 0 {
		return true, 0
	}
	elapsed := time.Since(last)
	if elapsed >= cooldown {
		return true, 0
	}
	remaining := cooldown - elapsed
	p.logger.Info("mutation blocked by cooldown",
		slog.String("operation", operation),
		slog.Duration("remaining", remaining))
	return false, remaining
}

// CleanupExpiredApprovals removes pending and decision files older than
// maxAge from the pending directory.
func (p *Protocol) CleanupExpiredApprovals(maxAge time.Duration) error {
	entries, err := os.ReadDir(p.pendingDir)
	if err != nil {
		return fmt.Errorf("approval: read pending dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(p.pendingDir, entry.Name())); err != nil {
				p.logger.Warn("expired approval cleanup failed",
					slog.String("file", entry.Name()), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// RunCleanupLoop sweeps expired approval files once immediately and then on
// every interval tick until ctx is cancelled.
func (p *Protocol) RunCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	sweep := func() {
		if err := p.CleanupExpiredApprovals(maxAge); err != nil {
			p.logger.Warn("approval cleanup sweep failed", slog.String("error", err.Error()))
		}
	}
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// PendingDir exposes the rendezvous directory for the webhook receiver.
func (p *Protocol) PendingDir() string { return p.pendingDir }

func approvedDecision(by, reason string) models.ApprovalDecision {
	now := time.Now().UTC()
	return models.ApprovalDecision{Approved: true, ApprovedAt: &now, ApprovedBy: by, Reason: reason}
}

func rejectedDecision(reason string) models.ApprovalDecision {
	return models.ApprovalDecision{Approved: false, Reason: reason}
}
