package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// TerminalPrompter asks for a decision on an interactive terminal.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompter wires the prompter to stdin/stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Prompt prints the mutation summary and reads one answer line. The read is
// abandoned when the context expires.
func (t *TerminalPrompter) Prompt(ctx context.Context, req models.MutationRequest) (string, error) {
	fmt.Fprintf(t.Out, "\nApproval required [%s risk]\n", req.RiskLevel)
	fmt.Fprintf(t.Out, "  operation: %s\n  resource:  %s\n", req.Operation, req.Resource)
	if req.Description != "" {
		fmt.Fprintf(t.Out, "  %s\n", req.Description)
	}
	if req.RollbackCommand != "" {
		fmt.Fprintf(t.Out, "  rollback:  %s\n", req.RollbackCommand)
	}
	if req.RiskLevel == models.RiskCritical {
		fmt.Fprint(t.Out, "Type 'yes' to approve: ")
	} else {
		fmt.Fprint(t.Out, "Approve? [y/N]: ")
	}

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(t.In).ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case line := <-lines:
		return line, nil
	case err := <-errs:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
