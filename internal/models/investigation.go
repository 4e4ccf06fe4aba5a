package models

import "time"

// NoteType enumerates the structured finding kinds kept in investigation memory.
type NoteType string

const (
	NoteSymptom           NoteType = "symptom"
	NoteEvidence          NoteType = "evidence"
	NoteHypothesisUpdate  NoteType = "hypothesis_update"
	NoteRootCauseCandidate NoteType = "root_cause_candidate"
	NoteRemediationStep   NoteType = "remediation_step"
	NoteEscalation        NoteType = "escalation"
	NoteServiceImpact     NoteType = "service_impact"
)

// InvestigationNote is a typed finding appended to investigation memory.
// Notes survive context compaction; they are never rewritten.
type InvestigationNote struct {
	ID               string           `json:"id"`
	Type             NoteType         `json:"type"`
	Content          string           `json:"content"`
	Confidence       float64          `json:"confidence"`
	EvidenceStrength EvidenceStrength `json:"evidenceStrength,omitempty"`
	SourceResultIDs  []string         `json:"sourceResultIds,omitempty"`
	ServicesInvolved []string         `json:"servicesInvolved,omitempty"`
	HypothesisID     string           `json:"hypothesisId,omitempty"`
	Iteration        int              `json:"iteration"`
	Timestamp        time.Time        `json:"timestamp"`
}

// InvestigationState is the persisted view of one investigation session.
type InvestigationState struct {
	Query              string              `json:"query"`
	IncidentID         string              `json:"incidentId,omitempty"`
	SessionID          string              `json:"sessionId"`
	Notes              []InvestigationNote `json:"notes"`
	ProgressSummary    string              `json:"progressSummary,omitempty"`
	ServicesDiscovered []string            `json:"servicesDiscovered,omitempty"`
	SymptomsIdentified []string            `json:"symptomsIdentified,omitempty"`
	ActiveHypotheses   []string            `json:"activeHypotheses,omitempty"`
	PrunedHypotheses   []string            `json:"prunedHypotheses,omitempty"`
	ConfirmedRootCause string              `json:"confirmedRootCause,omitempty"`
	CurrentIteration   int                 `json:"currentIteration"`
	StartedAt          time.Time           `json:"startedAt"`
	LastUpdatedAt      time.Time           `json:"lastUpdatedAt"`
}
