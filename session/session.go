package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"ringside/ammo"
	"ringside/db"
	"ringside/snd"
	"ringside/store"
	"ringside/stt"
)

// State is the call lifecycle. Transitions are monotonic:
// waiting -> active -> completed, never backward.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

const (
	// ExtractionInterval is the minimum spacing between extraction cycles.
	ExtractionInterval = 45 * time.Second

	// MinExtractionChars is the minimum buffered prospect text before a
	// cycle is worth a capability call.
	MinExtractionChars = 160

	extractionTimeout = 60 * time.Second
	eventBuffer       = 256

	// LocalSpeaker is the slot attributed to the call's owner: channel 0
	// for the multichannel strategy, first diarized label otherwise.
	LocalSpeaker = 0
)

// chunkDrainTimeout bounds how long finalize waits for the backend's chunk
// stream to close. Shortened in tests.
var chunkDrainTimeout = 5 * time.Second

type Config struct {
	ExtractionInterval time.Duration
	MinExtractionChars int
	SampleRate         int
	Channels           int
}

func (c Config) withDefaults() Config {
	if c.ExtractionInterval <= 0 {
		c.ExtractionInterval = ExtractionInterval
	}
	if c.MinExtractionChars <= 0 {
		c.MinExtractionChars = MinExtractionChars
	}
	if c.SampleRate <= 0 {
		c.SampleRate = snd.DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = snd.DefaultChannels
	}
	return c
}

// Deps are the injected collaborators. Nothing here is a package-level
// singleton; everything is constructed at process start and passed in.
type Deps struct {
	Recognition stt.SpeechRecognition
	Engine      *ammo.Engine
	Gateway     db.Gateway
	Store       store.RecordingStore
	Logger      *log.Logger
}

// Session owns one call: routes its audio, accumulates its transcript and
// raw PCM, runs serialized extraction cycles, and finalizes it exactly
// once. One session per connection; sessions share nothing.
type Session struct {
	id   string
	meta db.CallMetadata
	cfg  Config
	deps Deps

	backend stt.LiveTranscriptionSession
	tracker *ammo.Tracker
	policy  *ammo.Policy
	events  chan Event

	mu             sync.Mutex
	cond           *sync.Cond
	state          State
	transcript     strings.Builder
	buffer         strings.Builder
	audio          [][]byte
	speakers       map[int]bool
	talk           map[int]time.Duration
	lastTalkMark   time.Time
	lastExtraction time.Time
	startedAt      time.Time
	cycleInFlight  bool
	sendErrLogged  bool
	eventsClosed   bool

	chunksDone chan struct{}
	endOnce    sync.Once
}

// Start opens the transcription backend and constructs the session. It
// fails only when the backend connection cannot be established; gateway
// trouble degrades the session instead of blocking the call.
func Start(
	ctx context.Context,
	meta db.CallMetadata,
	cfg Config,
	deps Deps,
) (*Session, error) {
	cfg = cfg.withDefaults()

	backend, err := deps.Recognition.Start(ctx, stt.SessionConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start transcription backend: %w", err)
	}

	id, err := deps.Gateway.CreateCall(ctx, meta)
	if err != nil {
		id = uuid.NewString()
		deps.Logger.Error("failed to create call record, continuing",
			"error", err, "call", id)
	}

	policy, err := deps.Gateway.GetTenantExtractionPolicy(ctx, meta.TenantID)
	if err != nil {
		deps.Logger.Error("failed to load extraction policy, using baseline",
			"error", err, "tenant", meta.TenantID)
		policy = nil
	}

	now := time.Now()
	s := &Session{
		id:             id,
		meta:           meta,
		cfg:            cfg,
		deps:           deps,
		backend:        backend,
		tracker:        ammo.NewTracker(),
		policy:         policy,
		events:         make(chan Event, eventBuffer),
		state:          StateWaiting,
		speakers:       make(map[int]bool),
		talk:           make(map[int]time.Duration),
		startedAt:      now,
		lastTalkMark:   now,
		lastExtraction: now,
		chunksDone:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	s.emit(Event{Kind: EventCreated, CallID: id})
	deps.Logger.Info("session started",
		"call", id, "tenant", meta.TenantID, "user", meta.UserID)

	go s.consumeChunks()

	return s, nil
}

func (s *Session) ID() string { return s.id }

// Events is the session's single outbound stream. Closed after the
// completion event.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubmitAudio appends one raw PCM frame to the recording accumulator and
// forwards it to the backend. It returns before any extraction or
// persistence work runs; a backend in trouble only costs live transcript,
// never the recording.
func (s *Session) SubmitAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.state == StateCompleted {
		s.mu.Unlock()
		return fmt.Errorf("call already completed")
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	s.audio = append(s.audio, buf)
	s.mu.Unlock()

	if err := s.backend.SendAudio(buf); err != nil {
		s.mu.Lock()
		logged := s.sendErrLogged
		s.sendErrLogged = true
		s.mu.Unlock()
		if !logged {
			s.deps.Logger.Warn("backend rejected audio, continuing degraded",
				"call", s.id, "error", err)
		}
	}
	return nil
}

// End finalizes the call: one last extraction pass over whatever is
// buffered, duration, recording encode and upload, completion report.
// Idempotent; the second call is a no-op.
func (s *Session) End() {
	s.endOnce.Do(s.finalize)
}

func (s *Session) consumeChunks() {
	defer close(s.chunksDone)

	for chunk := range s.backend.Chunks() {
		s.emit(Event{
			Kind:    EventTranscript,
			CallID:  s.id,
			Text:    chunk.Text,
			Speaker: chunk.Speaker,
			Final:   chunk.Final,
		})
		if chunk.Final {
			s.onFinalChunk(chunk)
		}
	}
}

// onFinalChunk is the only writer of the transcript, speaker set, talk
// time, and extraction buffer. Provisional chunks never reach it.
func (s *Session) onFinalChunk(chunk stt.Chunk) {
	s.mu.Lock()

	if s.state == StateCompleted {
		s.mu.Unlock()
		return
	}

	line := fmt.Sprintf("Speaker %d: %s\n", chunk.Speaker, chunk.Text)
	s.transcript.WriteString(line)

	now := chunk.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	if gap := now.Sub(s.lastTalkMark); gap > 0 {
		s.talk[chunk.Speaker] += gap
		s.lastTalkMark = now
	}

	becameActive := false
	if !s.speakers[chunk.Speaker] {
		s.speakers[chunk.Speaker] = true
		if s.state == StateWaiting && len(s.speakers) >= 2 {
			s.state = StateActive
			becameActive = true
		}
	}
	speakerCount := len(s.speakers)

	if chunk.Speaker != LocalSpeaker {
		s.buffer.WriteString(chunk.Text)
		s.buffer.WriteString("\n")
	}

	var cycleText string
	if !s.cycleInFlight &&
		time.Since(s.lastExtraction) >= s.cfg.ExtractionInterval &&
		s.buffer.Len() >= s.cfg.MinExtractionChars {
		cycleText = s.buffer.String()
		s.buffer.Reset()
		s.cycleInFlight = true
		s.lastExtraction = time.Now()
	}

	s.mu.Unlock()

	if becameActive {
		s.deps.Logger.Info("second speaker heard, call active", "call", s.id)
		s.emit(Event{Kind: EventActive, CallID: s.id, SpeakerCount: speakerCount})
		go s.persist("set active", func(ctx context.Context) error {
			return s.deps.Gateway.SetActive(ctx, s.id, speakerCount)
		})
	}

	go s.persist("append transcript segment", func(ctx context.Context) error {
		return s.deps.Gateway.AppendTranscriptSegment(
			ctx, s.id, chunk.Speaker, chunk.Text, now)
	})

	if cycleText != "" {
		go s.runExtraction(cycleText)
	}
}

// runExtraction is one cycle. Cycles are serialized by the in-flight
// guard; a failed cycle's buffer is already gone, so extraction resumes
// fresh next time rather than retrying.
func (s *Session) runExtraction(text string) {
	defer func() {
		s.mu.Lock()
		s.cycleInFlight = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), extractionTimeout)
	defer cancel()

	offset := time.Since(s.startedAt)
	items, err := s.deps.Engine.Extract(ctx, text, s.tracker, s.policy, offset)
	if err != nil {
		s.emit(Event{Kind: EventError, CallID: s.id, Message: err.Error()})
		return
	}

	for i := range items {
		item := items[i]
		s.emit(Event{Kind: EventAmmo, CallID: s.id, Item: &item})
		go s.persist("record ammo", func(ctx context.Context) error {
			return s.deps.Gateway.RecordAmmo(ctx, s.id, item)
		})
	}
}

func (s *Session) finalize() {
	s.mu.Lock()
	s.state = StateCompleted
	s.mu.Unlock()

	// Stop the backend; its chunk stream closing drains the consumer.
	if err := s.backend.Stop(); err != nil {
		s.deps.Logger.Warn("backend stop failed", "call", s.id, "error", err)
	}

	select {
	case <-s.chunksDone:
	case <-time.After(chunkDrainTimeout):
		s.deps.Logger.Warn("timed out waiting for transcript drain", "call", s.id)
	}

	// Wait out any in-flight cycle, then flush the remaining buffer
	// through one final, synchronous pass.
	s.mu.Lock()
	for s.cycleInFlight {
		s.cond.Wait()
	}
	remaining := s.buffer.String()
	s.buffer.Reset()
	s.mu.Unlock()

	if strings.TrimSpace(remaining) != "" {
		s.runExtraction(remaining)
	}

	s.mu.Lock()
	duration := time.Since(s.startedAt)
	transcript := s.transcript.String()
	frames := s.audio
	s.audio = nil
	talk := make(map[int]time.Duration, len(s.talk))
	for speaker, d := range s.talk {
		talk[speaker] = d
	}
	s.mu.Unlock()

	recordingURL := s.uploadRecording(frames)

	completion := Completion{
		DurationSeconds: duration.Seconds(),
		Transcript:      transcript,
		RecordingURL:    recordingURL,
		TalkTimeSeconds: talkSeconds(talk),
	}

	go s.persist("complete call", func(ctx context.Context) error {
		return s.deps.Gateway.CompleteCall(ctx, s.id, db.CallCompletion{
			Duration:     duration,
			Transcript:   transcript,
			RecordingURL: recordingURL,
			TalkTime:     talk,
		})
	})

	s.emit(Event{Kind: EventCompleted, CallID: s.id, Completion: &completion})

	s.mu.Lock()
	s.eventsClosed = true
	s.mu.Unlock()
	close(s.events)

	s.deps.Logger.Info("session completed",
		"call", s.id,
		"duration", duration,
		"recording", recordingURL != "")
}

// uploadRecording encodes and stores the call audio. Any failure here
// costs only the recording URL, never the call record.
func (s *Session) uploadRecording(frames [][]byte) string {
	if s.deps.Store == nil {
		return ""
	}
	wav, err := snd.EncodeWAV(frames, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		s.deps.Logger.Warn("skipping recording", "call", s.id, "error", err)
		return ""
	}

	key := fmt.Sprintf("recordings/%s.wav", s.id)
	url, err := s.deps.Store.Upload(key, "audio/wav", wav)
	if err != nil {
		s.deps.Logger.Error("recording upload failed", "call", s.id, "error", err)
		return ""
	}
	return url
}

// persist runs one fire-and-forget gateway write.
func (s *Session) persist(what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.deps.Logger.Error("persistence write failed",
			"call", s.id, "op", what, "error", err)
	}
}

// emit never blocks and never touches a closed stream. A straggler chunk
// from a backend that outlived the drain timeout is dropped here.
func (s *Session) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.deps.Logger.Warn("event listener too slow, dropping event",
			"call", s.id, "kind", event.Kind)
	}
}

func talkSeconds(talk map[int]time.Duration) map[int]float64 {
	out := make(map[int]float64, len(talk))
	for speaker, d := range talk {
		out[speaker] = d.Seconds()
	}
	return out
}
