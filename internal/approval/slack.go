package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// SlackNotifier posts approval requests as interactive messages. The
// approve/reject buttons round-trip through the webhook receiver, which
// materializes the decision file the protocol polls for.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackNotifier constructs a notifier for an incoming-webhook URL.
func NewSlackNotifier(webhookURL string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify posts the mutation summary with approve/reject actions.
func (n *SlackNotifier) Notify(ctx context.Context, req models.MutationRequest) error {
	if n.webhookURL == "" {
		return fmt.Errorf("approval: slack webhook url not configured")
	}

	text := fmt.Sprintf("*Approval required* [%s]\n`%s` on `%s`", req.RiskLevel, req.Operation, req.Resource)
	if req.Description != "" {
		text += "\n" + req.Description
	}
	if req.RollbackCommand != "" {
		text += fmt.Sprintf("\nRollback: `%s`", req.RollbackCommand)
	}

	payload := map[string]interface{}{
		"text": text,
		"blocks": []map[string]interface{}{
			{
				"type": "section",
				"text": map[string]string{"type": "mrkdwn", "text": text},
			},
			{
				"type": "actions",
				"elements": []map[string]interface{}{
					{
						"type":      "button",
						"action_id": "approve",
						"style":     "primary",
						"text":      map[string]string{"type": "plain_text", "text": "Approve"},
						"value":     req.ID,
					},
					{
						"type":      "button",
						"action_id": "reject",
						"style":     "danger",
						"text":      map[string]string{"type": "plain_text", "text": "Reject"},
						"value":     req.ID,
					},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("approval: slack notify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("approval: slack notify status %d", resp.StatusCode)
	}
	return nil
}
