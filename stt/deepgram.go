package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
)

// DeepgramClient is the channel-deterministic strategy: call audio arrives
// as independent channels and the channel index is the speaker identity.
// Nothing is inferred; speaker attribution is deterministic from the first
// frame.
type DeepgramClient struct {
	token  string
	logger *log.Logger
}

func NewDeepgramClient(token string, logger *log.Logger) *DeepgramClient {
	return &DeepgramClient{token: token, logger: logger}
}

func (c *DeepgramClient) Start(
	ctx context.Context,
	cfg SessionConfig,
) (LiveTranscriptionSession, error) {
	cfg = cfg.withDefaults()

	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       "en-US",
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       cfg.Channels,
		SampleRate:     cfg.SampleRate,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Multichannel:   true,
	}

	session := &DeepgramSession{
		chunks:      make(chan Chunk, 64),
		logger:      c.logger,
		audioBuffer: make(chan []byte, 100),
	}

	client, err := listen.NewWebSocket(
		ctx,
		c.token,
		cOptions,
		tOptions,
		session,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"error creating LiveTranscription connection: %w",
			err,
		)
	}

	session.client = client

	if !session.client.Connect() {
		return nil, fmt.Errorf("failed to connect to Deepgram")
	}

	return session, nil
}

type DeepgramSession struct {
	client      *listen.LiveClient
	chunks      chan Chunk
	logger      *log.Logger
	audioBuffer chan []byte

	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
}

func (s *DeepgramSession) Chunks() <-chan Chunk {
	return s.chunks
}

func (s *DeepgramSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("session stopped")
	}
	select {
	case s.audioBuffer <- data:
		return nil
	default:
		return fmt.Errorf("audio buffer full")
	}
}

func (s *DeepgramSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.audioBuffer)
		s.client.Stop()
		close(s.chunks)
	})
	return nil
}

func (s *DeepgramSession) Open(ocr *api.OpenResponse) error {
	s.logger.Info("open", "kind", "deepgram")
	go func() {
		for data := range s.audioBuffer {
			if err := s.client.WriteBinary(data); err != nil {
				s.logger.Error("failed to write audio data", "error", err)
			}
		}
	}()
	return nil
}

func (s *DeepgramSession) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}

	transcript := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if len(transcript) == 0 {
		return nil
	}

	speaker := 0
	if len(mr.ChannelIndex) > 0 {
		speaker = mr.ChannelIndex[0]
	}

	chunk := Chunk{
		Text:       transcript,
		Speaker:    speaker,
		Start:      mr.Start,
		ReceivedAt: time.Now(),
		Final:      mr.IsFinal,
	}

	if mr.IsFinal {
		s.logger.Info("hear", "txt", transcript, "ch", speaker, "start", mr.Start)
	} else {
		s.logger.Debug("hear", "tmp", transcript, "ch", speaker)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	select {
	case s.chunks <- chunk:
	default:
		s.logger.Warn("chunk channel full, dropping fragment")
	}

	return nil
}

func (s *DeepgramSession) Metadata(md *api.MetadataResponse) error {
	s.logger.Info("metadata", "request", md.RequestID)
	return nil
}

func (s *DeepgramSession) SpeechStarted(ssr *api.SpeechStartedResponse) error {
	s.logger.Debug("speech start", "timestamp", ssr.Timestamp)
	return nil
}

func (s *DeepgramSession) UtteranceEnd(ur *api.UtteranceEndResponse) error {
	s.logger.Debug("utterance end", "timestamp", ur.LastWordEnd)
	return nil
}

func (s *DeepgramSession) Close(ocr *api.CloseResponse) error {
	s.logger.Info("closed", "reason", ocr.Type)
	return nil
}

func (s *DeepgramSession) Error(er *api.ErrorResponse) error {
	s.logger.Error("error", "type", er.Type, "description", er.Description)
	return nil
}

func (s *DeepgramSession) UnhandledEvent(byData []byte) error {
	s.logger.Warn("unhandled event", "data", string(byData))
	return nil
}
