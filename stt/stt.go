package stt

import (
	"context"
	"time"
)

// Chunk is one speaker-attributed transcript fragment. Speaker is a small
// integer slot: the audio channel index for channel-deterministic backends,
// or the order of first appearance for diarized ones (slot 0 is treated as
// the local party either way).
type Chunk struct {
	Text       string
	Speaker    int
	Start      float64 // seconds into the call audio
	ReceivedAt time.Time
	Final      bool
}

// LiveTranscriptionSession is one open streaming connection to a speech
// provider. SendAudio must not block on provider I/O; Chunks is closed when
// the session ends.
type LiveTranscriptionSession interface {
	SendAudio(data []byte) error
	Chunks() <-chan Chunk
	Stop() error
}

// SpeechRecognition starts live transcription sessions. Two strategies
// implement it: the Deepgram multichannel backend, where the channel index
// is the speaker and nothing is inferred, and the Speechmatics diarized
// backend, where the provider separates speakers by voice on a single
// mixed channel.
type SpeechRecognition interface {
	Start(ctx context.Context, cfg SessionConfig) (LiveTranscriptionSession, error)
}

type SessionConfig struct {
	SampleRate int
	Channels   int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	return c
}
