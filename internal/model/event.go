package model

// EventType is the kind of a stream event.
type EventType string

const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventError EventType = "error"
	EventEnd   EventType = "end"
	EventDone  EventType = "done"
)

// StreamEvent is the orchestration's unit of observable progress. Within one
// target the order is strictly start, chunk*, (error)?, end; done is emitted
// once per run, always last.
type StreamEvent struct {
	TargetID string    `json:"targetId"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Event    EventType `json:"event"`
	Content  string    `json:"content,omitempty"`
	Error    string    `json:"error,omitempty"`
}
