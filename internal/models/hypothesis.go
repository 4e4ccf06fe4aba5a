package models

import "time"

// HypothesisStatus tracks a hypothesis through its lifecycle.
type HypothesisStatus string

const (
	HypothesisActive    HypothesisStatus = "active"
	HypothesisPruned    HypothesisStatus = "pruned"
	HypothesisConfirmed HypothesisStatus = "confirmed"
)

// EvidenceStrength grades how strongly collected evidence supports a hypothesis.
type EvidenceStrength string

const (
	EvidencePending       EvidenceStrength = "pending"
	EvidenceNone          EvidenceStrength = "none"
	EvidenceWeak          EvidenceStrength = "weak"
	EvidenceStrong        EvidenceStrength = "strong"
	EvidenceContradicting EvidenceStrength = "contradicting"
)

// HypothesisCategory buckets hypotheses by failure mode.
type HypothesisCategory string

const (
	CategoryLatency      HypothesisCategory = "latency"
	CategoryErrorRate    HypothesisCategory = "error_rate"
	CategoryMemory       HypothesisCategory = "memory"
	CategoryCPU          HypothesisCategory = "cpu"
	CategoryConnectivity HypothesisCategory = "connectivity"
	CategoryDeployment   HypothesisCategory = "deployment"
	CategoryDatabase     HypothesisCategory = "database"
	CategoryScaling      HypothesisCategory = "scaling"
	CategoryOther        HypothesisCategory = "other"
)

// HypothesisNode is one node in the investigation's hypothesis tree.
type HypothesisNode struct {
	ID               string             `json:"id"`
	ParentID         string             `json:"parentId,omitempty"`
	Statement        string             `json:"statement"`
	Category         HypothesisCategory `json:"category"`
	Priority         int                `json:"priority"`
	Status           HypothesisStatus   `json:"status"`
	EvidenceStrength EvidenceStrength   `json:"evidenceStrength"`
	Depth            int                `json:"depth"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// Evidence attaches an observation to exactly one hypothesis.
type Evidence struct {
	NoteID          string           `json:"noteId"`
	HypothesisID    string           `json:"hypothesisId"`
	SourceResultIDs []string         `json:"sourceResultIds,omitempty"`
	Strength        EvidenceStrength `json:"strength"`
	Content         string           `json:"content"`
	Timestamp       time.Time        `json:"timestamp"`
}
