package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-agent/internal/models"
)

func TestClassifyRisk(t *testing.T) {
	cases := []struct {
		operation string
		resource  string
		want      models.RiskLevel
	}{
		{"delete-pod", "checkout-api-7d9f", models.RiskCritical},
		{"terminate_instance", "i-0abc", models.RiskCritical},
		{"drop", "table orders", models.RiskCritical},
		{"restart-service", "checkout-api", models.RiskHigh},
		{"scale-down", "checkout-api", models.RiskHigh},
		{"deploy", "checkout-api v2", models.RiskHigh},
		{"update-config", "prod/checkout", models.RiskHigh},
		{"update-config", "staging/checkout", models.RiskMedium},
		{"scale", "checkout-api", models.RiskMedium},
		{"describe-instances", "us-east-1", models.RiskLow},
	}
	for _, tc := range cases {
		if got := ClassifyRisk(tc.operation, tc.resource); got != tc.want {
			t.Fatalf("ClassifyRisk(%q, %q) = %s, want %s", tc.operation, tc.resource, got, tc.want)
		}
	}
}

type fakePrompter struct {
	answer string
	calls  int
}

func (f *fakePrompter) Prompt(context.Context, models.MutationRequest) (string, error) {
	f.calls++
	return f.answer, nil
}

// decisionWritingNotifier simulates the out-of-band channel by materializing
// the decision file as soon as the notification is dispatched.
type decisionWritingNotifier struct {
	dir      string
	approved bool
}

func (n *decisionWritingNotifier) Notify(_ context.Context, req models.MutationRequest) error {
	data, _ := json.Marshal(DecisionFile{
		MutationID: req.ID,
		Approved:   n.approved,
		ApprovedBy: "oncall",
		Timestamp:  time.Now().UTC(),
	})
	return os.WriteFile(filepath.Join(n.dir, req.ID+".json"), data, 0o644)
}

type silentNotifier struct{}

func (silentNotifier) Notify(context.Context, models.MutationRequest) error { return nil }

func newProtocol(t *testing.T, opts Options) *Protocol {
	t.Helper()
	dir := t.TempDir()
	opts.PendingDir = filepath.Join(dir, "pending")
	opts.AuditDir = dir
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new protocol: %v", err)
	}
	return p
}

func auditLines(t *testing.T, p *Protocol) []auditRecord {
	t.Helper()
	data, err := os.ReadFile(p.auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var records []auditRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec auditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("malformed audit line %q: %v", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestAutoApproveRecordsAudit(t *testing.T) {
	p := newProtocol(t, Options{AutoApprove: []models.RiskLevel{models.RiskLow}})

	decision, err := p.RequestApproval(context.Background(), models.MutationRequest{
		ID: "m-1", Operation: "describe-instances", Resource: "us-east-1",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !decision.Approved || decision.ApprovedBy != "auto" {
		t.Fatalf("expected auto approval: %+v", decision)
	}

	records := auditLines(t, p)
	if len(records) != 1 {
		t.Fatalf("exactly one audit line per decision, got %d", len(records))
	}
	if records[0].MutationID != "m-1" || !records[0].Approved || records[0].RiskLevel != models.RiskLow {
		t.Fatalf("audit record wrong: %+v", records[0])
	}
}

func TestOutOfBandDecisionFileResolves(t *testing.T) {
	dir := t.TempDir()
	pending := filepath.Join(dir, "pending")
	p, err := New(Options{
		PendingDir: pending,
		AuditDir:   dir,
		Notifier:   &decisionWritingNotifier{dir: pending, approved: true},
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	decision, err := p.RequestApproval(context.Background(), models.MutationRequest{
		ID: "m-2", Operation: "restart-service", Resource: "checkout-api",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !decision.Approved || decision.ApprovedBy != "oncall" {
		t.Fatalf("decision file should approve: %+v", decision)
	}

	// Both rendezvous files are cleaned up after resolution.
	for _, name := range []string{"m-2_pending.json", "m-2.json"} {
		if _, err := os.Stat(filepath.Join(pending, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed after resolution", name)
		}
	}
}

func TestOutOfBandTimeoutRejects(t *testing.T) {
	p := newProtocol(t, Options{Notifier: silentNotifier{}, Timeout: 50 * time.Millisecond})

	decision, err := p.RequestApproval(context.Background(), models.MutationRequest{
		ID: "m-3", Operation: "restart-service", Resource: "checkout-api",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if decision.Approved || decision.Reason != "timeout" {
		t.Fatalf("expected timeout rejection: %+v", decision)
	}
}

func TestCriticalRequiresLiteralYes(t *testing.T) {
	req := models.MutationRequest{ID: "m-4", Operation: "delete-pod", Resource: "checkout-api-7d9f"}

	p := newProtocol(t, Options{Prompter: &fakePrompter{answer: "y"}})
	decision, _ := p.RequestApproval(context.Background(), req)
	if decision.Approved {
		t.Fatalf("critical risk must not accept 'y': %+v", decision)
	}

	p = newProtocol(t, Options{Prompter: &fakePrompter{answer: "yes\n"}})
	decision, _ = p.RequestApproval(context.Background(), req)
	if !decision.Approved {
		t.Fatalf("critical risk should accept 'yes': %+v", decision)
	}

	// Lower risks accept the short form.
	p = newProtocol(t, Options{Prompter: &fakePrompter{answer: "y"}})
	decision, _ = p.RequestApproval(context.Background(), models.MutationRequest{
		ID: "m-5", Operation: "scale", Resource: "checkout-api",
	})
	if !decision.Approved {
		t.Fatalf("medium risk should accept 'y': %+v", decision)
	}
}

func TestCooldownAfterCriticalMutation(t *testing.T) {
	p := newProtocol(t, Options{AutoApprove: []models.RiskLevel{models.RiskCritical}})

	allowed, remaining := p.CheckCooldown("delete-pod", time.Hour)
	if !allowed || remaining != 0 {
		t.Fatalf("no prior critical mutation, cooldown should allow: %v %v", allowed, remaining)
	}

	if _, err := p.RequestApproval(context.Background(), models.MutationRequest{
		ID: "m-6", Operation: "delete-pod", Resource: "checkout-api-7d9f",
	}); err != nil {
		t.Fatalf("request: %v", err)
	}

	allowed, remaining = p.CheckCooldown("delete-pod", time.Hour)
	if allowed || remaining <= 0 {
		t.Fatalf("cooldown should block within the interval: %v %v", allowed, remaining)
	}
}

func TestCooldownRejectsBackToBackCritical(t *testing.T) {
	p := newProtocol(t, Options{
		AutoApprove: []models.RiskLevel{models.RiskCritical},
		Cooldown:    time.Hour,
	})

	req := models.MutationRequest{ID: "m-7", Operation: "delete-pod", Resource: "checkout-api-7d9f"}
	first, err := p.RequestApproval(context.Background(), req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !first.Approved {
		t.Fatalf("first critical mutation should pass: %+v", first)
	}

	req.ID = "m-8"
	second, err := p.RequestApproval(context.Background(), req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Approved {
		t.Fatalf("second critical mutation inside the window should be rejected: %+v", second)
	}
	if !strings.Contains(second.Reason, "cooldown") {
		t.Fatalf("rejection should name the cooldown: %q", second.Reason)
	}

	records := auditLines(t, p)
	if len(records) != 2 || records[1].Approved {
		t.Fatalf("cooldown rejection must be audited: %+v", records)
	}
}

func TestCooldownDisabledWhenZero(t *testing.T) {
	p := newProtocol(t, Options{AutoApprove: []models.RiskLevel{models.RiskCritical}})

	for _, id := range []string{"m-9", "m-10"} {
		decision, err := p.RequestApproval(context.Background(), models.MutationRequest{
			ID: id, Operation: "delete-pod", Resource: "checkout-api-7d9f",
		})
		if err != nil {
			t.Fatalf("request %s: %v", id, err)
		}
		if !decision.Approved {
			t.Fatalf("zero cooldown must not block %s: %+v", id, decision)
		}
	}
}

func TestCleanupExpiredApprovals(t *testing.T) {
	p := newProtocol(t, Options{})

	stale := filepath.Join(p.pendingDir, "old_pending.json")
	fresh := filepath.Join(p.pendingDir, "new_pending.json")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := p.CleanupExpiredApprovals(time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file should survive: %v", err)
	}
}

func TestRunCleanupLoopSweepsOnStart(t *testing.T) {
	p := newProtocol(t, Options{})

	stale := filepath.Join(p.pendingDir, "stuck_pending.json")
	if err := os.WriteFile(stale, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// A cancelled context stops the loop after its synchronous startup sweep.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.RunCleanupLoop(ctx, time.Hour, 24*time.Hour)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file should be removed by the startup sweep")
	}
}
