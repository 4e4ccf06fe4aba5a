package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/tools"
)

// ErrRejected aborts a skill when a mutating step is denied approval.
var ErrRejected = errors.New("skills: mutation rejected")

// Approver mediates mutating steps. Satisfied by *approval.Protocol.
type Approver interface {
	RequestApproval(ctx context.Context, req models.MutationRequest) (models.ApprovalDecision, error)
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Step     Step          `json:"step"`
	Output   interface{}   `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Runner executes skills step by step, routing every mutating step through
// the approval protocol.
type Runner struct {
	registry *tools.Registry
	approver Approver
	logger   *slog.Logger
	timeout  time.Duration
}

// Options configures a Runner.
type Options struct {
	Registry    *tools.Registry
	Approver    Approver
	Logger      *slog.Logger
	StepTimeout time.Duration
}

// NewRunner constructs a Runner.
func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 60 * time.Second
	}
	return &Runner{
		registry: opts.Registry,
		approver: opts.Approver,
		logger:   opts.Logger,
		timeout:  opts.StepTimeout,
	}
}

// Run executes the skill's steps in order. vars fills `{placeholder}` slots
// in string arguments and in the operation/resource pair. A rejected mutating
// step aborts the remaining steps with ErrRejected; a failed read-only step
// is recorded and execution continues.
func (r *Runner) Run(ctx context.Context, skill Skill, vars map[string]string) ([]StepResult, error) {
	results := make([]StepResult, 0, len(skill.Steps))
	for _, step := range skill.Steps {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		step = expandStep(step, vars)

		if step.Mutating {
			if err := r.approve(ctx, skill, step); err != nil {
				return results, err
			}
		}

		result := r.execute(ctx, step)
		results = append(results, result)
		if result.Err != "" && step.Mutating {
			return results, fmt.Errorf("skills: mutating step %q failed: %s", step.Name, result.Err)
		}
	}
	return results, nil
}

func (r *Runner) approve(ctx context.Context, skill Skill, step Step) error {
	if r.approver == nil {
		return fmt.Errorf("%w: no approver configured for step %q", ErrRejected, step.Name)
	}
	decision, err := r.approver.RequestApproval(ctx, models.MutationRequest{
		ID:              "mut-" + uuid.NewString()[:8],
		Operation:       step.Operation,
		Resource:        step.Resource,
		Description:     fmt.Sprintf("skill %s, step %s", skill.Name, step.Name),
		Parameters:      step.Args,
		RollbackCommand: step.Rollback,
	})
	if err != nil {
		return fmt.Errorf("skills: approval for step %q: %w", step.Name, err)
	}
	if !decision.Approved {
		r.logger.Warn("mutating step rejected",
			slog.String("skill", skill.Name), slog.String("step", step.Name), slog.String("reason", decision.Reason))
		return fmt.Errorf("%w: step %q: %s", ErrRejected, step.Name, decision.Reason)
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, step Step) StepResult {
	result := StepResult{Step: step}

	tool, err := r.registry.Get(step.Tool)
	if err != nil {
		result.Err = err.Error()
		return result
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Execute(stepCtx, step.Args)
	result.Duration = time.Since(start)
	if err != nil {
		result.Err = err.Error()
		r.logger.Warn("skill step failed", slog.String("step", step.Name), slog.String("error", err.Error()))
		return result
	}
	result.Output = out
	return result
}

// expandStep substitutes `{key}` placeholders from vars in string args and
// the operation/resource pair.
func expandStep(step Step, vars map[string]string) Step {
	if len(vars) == 0 {
		return step
	}
	expanded := step
	expanded.Operation = expandString(step.Operation, vars)
	expanded.Resource = expandString(step.Resource, vars)
	if len(step.Args) > 0 {
		expanded.Args = make(map[string]interface{}, len(step.Args))
		for k, v := range step.Args {
			if s, ok := v.(string); ok {
				expanded.Args[k] = expandString(s, vars)
			} else {
				expanded.Args[k] = v
			}
		}
	}
	return expanded
}

func expandString(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}
