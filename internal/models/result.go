package models

import "time"

// ToolResult is the immutable record of a completed tool invocation.
// Results are appended once and never mutated; clearing a result only
// changes its tier, the payload stays retrievable by id.
type ToolResult struct {
	ResultID   string                 `json:"resultId"`
	ToolName   string                 `json:"toolName"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	DurationMs int64                  `json:"durationMs"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthStatus classifies the health signal extracted from a tool result.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// CompactSummary is the fixed-shape reduction of a ToolResult used when the
// full payload is compacted out of the prompt context.
type CompactSummary struct {
	ResultID     string       `json:"resultId"`
	ShortText    string       `json:"shortText"`
	Services     []string     `json:"services,omitempty"`
	HealthStatus HealthStatus `json:"healthStatus"`
	HasErrors    bool         `json:"hasErrors"`
}

// Tier is the context-residency state of a tool result.
type Tier string

const (
	TierFull    Tier = "full"
	TierCompact Tier = "compact"
	TierCleared Tier = "cleared"
)
