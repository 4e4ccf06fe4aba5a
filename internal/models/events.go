package models

import "time"

// EventType enumerates the events an investigation run streams to its caller.
type EventType string

const (
	EventThinking           EventType = "thinking"
	EventKnowledgeRetrieved EventType = "knowledge_retrieved"
	EventToolStart          EventType = "tool_start"
	EventToolEnd            EventType = "tool_end"
	EventToolError          EventType = "tool_error"
	EventToolLimit          EventType = "tool_limit"
	EventContextCleared     EventType = "context_cleared"
	EventAnswerStart        EventType = "answer_start"
	EventDone               EventType = "done"
	EventCancelled          EventType = "cancelled"
	EventPhaseTransition    EventType = "phase_transition"
)

// Event is one entry in the investigation event stream. The stream always
// terminates with a done or cancelled event.
type Event struct {
	Type            EventType `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	Message         string    `json:"message,omitempty"`
	Tool            string    `json:"tool,omitempty"`
	ResultID        string    `json:"resultId,omitempty"`
	Phase           string    `json:"phase,omitempty"`
	Answer          string    `json:"answer,omitempty"`
	InvestigationID string    `json:"investigationId,omitempty"`
	Err             string    `json:"error,omitempty"`
}
