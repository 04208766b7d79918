package session

import "ringside/ammo"

// EventKind tags the single outbound event stream each session exposes.
// One listener consumes the stream; emission order is preserved.
type EventKind string

const (
	EventCreated    EventKind = "session-created"
	EventTranscript EventKind = "transcript"
	EventActive     EventKind = "active"
	EventAmmo       EventKind = "ammo"
	EventCompleted  EventKind = "completed"
	EventError      EventKind = "error"
)

type Event struct {
	Kind EventKind `json:"kind"`

	CallID string `json:"call_id,omitempty"`

	// transcript events
	Text    string `json:"text,omitempty"`
	Speaker int    `json:"speaker,omitempty"`
	Final   bool   `json:"final,omitempty"`

	// active events
	SpeakerCount int `json:"speaker_count,omitempty"`

	// ammo events
	Item *ammo.Item `json:"item,omitempty"`

	// completed events
	Completion *Completion `json:"completion,omitempty"`

	// error events, non-fatal and informational
	Message string `json:"message,omitempty"`
}

// Completion is the final report for one call.
type Completion struct {
	DurationSeconds float64         `json:"duration_s"`
	Transcript      string          `json:"transcript"`
	RecordingURL    string          `json:"recording_url"`
	TalkTimeSeconds map[int]float64 `json:"talk_time_s,omitempty"`
}
