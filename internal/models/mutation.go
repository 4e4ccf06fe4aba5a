package models

import "time"

// RiskLevel classifies how dangerous a mutation is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// MutationRequest describes a state-changing operation awaiting approval.
type MutationRequest struct {
	ID              string                 `json:"id"`
	Operation       string                 `json:"operation"`
	Resource        string                 `json:"resource"`
	Description     string                 `json:"description,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	RiskLevel       RiskLevel              `json:"riskLevel"`
	RollbackCommand string                 `json:"rollbackCommand,omitempty"`
	EstimatedImpact string                 `json:"estimatedImpact,omitempty"`
}

// ApprovalDecision records the outcome of an approval request. Decisions are
// written to the audit log and never mutated.
type ApprovalDecision struct {
	Approved   bool       `json:"approved"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy string     `json:"approvedBy,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
