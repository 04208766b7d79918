package db

import (
	"context"
	"time"

	"ringside/ammo"
)

// CallMetadata is the connection-start message body, minus the transport
// framing.
type CallMetadata struct {
	TenantID     string
	UserID       string
	ProspectName string
	SampleRate   int
}

// CallCompletion is everything reported when a call finishes. RecordingURL
// is empty when the upload failed; the call record itself is never dropped.
type CallCompletion struct {
	Duration     time.Duration
	Transcript   string
	RecordingURL string
	TalkTime     map[int]time.Duration
}

// CallSummary backs the list-calls command.
type CallSummary struct {
	ID           string
	TenantID     string
	ProspectName string
	State        string
	StartedAt    time.Time
	Duration     time.Duration
	AmmoCount    int
}

// Gateway is the narrow persistence contract the pipeline talks to. Every
// write is fire-and-forget from the session's perspective; only the policy
// lookup (and call creation, which assigns the id) is awaited, once, at
// session start.
type Gateway interface {
	CreateCall(ctx context.Context, meta CallMetadata) (string, error)
	AppendTranscriptSegment(ctx context.Context, callID string, speaker int, text string, at time.Time) error
	RecordAmmo(ctx context.Context, callID string, item ammo.Item) error
	SetActive(ctx context.Context, callID string, speakerCount int) error
	CompleteCall(ctx context.Context, callID string, done CallCompletion) error
	GetTenantExtractionPolicy(ctx context.Context, tenantID string) (*ammo.Policy, error)
}
