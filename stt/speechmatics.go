package stt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	speechmaticsBaseURL = "wss://eu2.rt.speechmatics.com/v2"

	speechmaticsPingInterval = 30 * time.Second
	speechmaticsPongTimeout  = 60 * time.Second
)

// SpeechmaticsClient is the diarized strategy: a single mixed channel with
// provider-side speaker separation. The first label the provider emits is
// provisionally treated as the local party; a provider occasionally
// relabels a physical speaker mid-call, which is logged, never corrected.
type SpeechmaticsClient struct {
	apiKey string
	logger *log.Logger
}

func NewSpeechmaticsClient(apiKey string, logger *log.Logger) *SpeechmaticsClient {
	return &SpeechmaticsClient{apiKey: apiKey, logger: logger}
}

type smTranscriptionConfig struct {
	Language       string  `json:"language"`
	Diarization    string  `json:"diarization,omitempty"`
	EnablePartials bool    `json:"enable_partials,omitempty"`
	MaxDelay       float64 `json:"max_delay,omitempty"`
}

type smAudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type smStartRecognition struct {
	Message             string                `json:"message"`
	AudioFormat         smAudioFormat         `json:"audio_format"`
	TranscriptionConfig smTranscriptionConfig `json:"transcription_config"`
}

type smEndOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

type smResponse struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Type    string `json:"type,omitempty"`
	Results []struct {
		Type         string  `json:"type"` // "word" or "punctuation"
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		IsEOS        bool    `json:"is_eos,omitempty"`
		Alternatives []struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
			Speaker    string  `json:"speaker,omitempty"`
		} `json:"alternatives"`
	} `json:"results"`
}

func (c *SpeechmaticsClient) Start(
	ctx context.Context,
	cfg SessionConfig,
) (LiveTranscriptionSession, error) {
	cfg = cfg.withDefaults()

	dialer := websocket.DefaultDialer
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	url := fmt.Sprintf("%s/en", speechmaticsBaseURL)
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Speechmatics: %w", err)
	}

	startMsg := smStartRecognition{
		Message: "StartRecognition",
		AudioFormat: smAudioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cfg.SampleRate,
		},
		TranscriptionConfig: smTranscriptionConfig{
			Language:       "en",
			Diarization:    "speaker",
			EnablePartials: true,
			MaxDelay:       2,
		},
	}
	if err := conn.WriteJSON(startMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send StartRecognition: %w", err)
	}

	session := &SpeechmaticsSession{
		conn:   conn,
		chunks: make(chan Chunk, 64),
		labels: make(map[string]int),
		logger: c.logger,
	}
	session.agg = NewAggregator(session.emit)

	go session.readLoop()
	go session.keepAlive(ctx)

	return session, nil
}

type SpeechmaticsSession struct {
	conn   *websocket.Conn
	chunks chan Chunk
	agg    *Aggregator
	logger *log.Logger

	mu      sync.Mutex
	labels  map[string]int // provider label -> speaker slot
	seqNo   int
	stopped bool
}

func (s *SpeechmaticsSession) Chunks() <-chan Chunk {
	return s.chunks
}

func (s *SpeechmaticsSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("session stopped")
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	s.seqNo++
	return nil
}

func (s *SpeechmaticsSession) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	seq := s.seqNo
	s.mu.Unlock()

	endMsg := smEndOfStream{Message: "EndOfStream", LastSeqNo: seq}
	if err := s.conn.WriteJSON(endMsg); err != nil {
		s.logger.Warn("failed to send EndOfStream", "error", err)
	}
	return s.conn.Close()
}

// emit hands a flushed utterance to the consumer. Called by the
// aggregator, including from its silence timer goroutine; the aggregator's
// lock orders every emit before the channel is closed.
func (s *SpeechmaticsSession) emit(chunk Chunk) {
	select {
	case s.chunks <- chunk:
	default:
		s.logger.Warn("chunk channel full, dropping utterance")
	}
}

func (s *SpeechmaticsSession) readLoop() {
	defer func() {
		s.agg.Close()
		close(s.chunks)
	}()

	for {
		var resp smResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				s.logger.Error("websocket closed unexpectedly", "error", err)
			}
			return
		}

		switch resp.Message {
		case "RecognitionStarted":
			s.logger.Info("open", "kind", "speechmatics")
		case "AddPartialTranscript":
			s.emitPartial(resp)
		case "AddTranscript":
			s.addFinalWords(resp)
		case "EndOfTranscript":
			s.logger.Info("end of transcript")
			return
		case "Error":
			s.logger.Error("error", "type", resp.Type, "reason", resp.Reason)
		}
	}
}

// addFinalWords routes word tokens through the aggregator, which owns the
// utterance flush policy. Punctuation attaches to the preceding word.
func (s *SpeechmaticsSession) addFinalWords(resp smResponse) {
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		slot := s.speakerSlot(alt.Speaker)
		s.agg.AddWord(
			slot,
			alt.Content,
			result.StartTime,
			result.Type == "punctuation",
		)
	}
}

func (s *SpeechmaticsSession) emitPartial(resp smResponse) {
	var sb strings.Builder
	slot := 0
	start := 0.0
	for i, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		if i == 0 {
			slot = s.speakerSlot(alt.Speaker)
			start = result.StartTime
		}
		if result.Type != "punctuation" && sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(alt.Content)
	}
	if sb.Len() == 0 {
		return
	}
	s.emit(Chunk{
		Text:       sb.String(),
		Speaker:    slot,
		Start:      start,
		ReceivedAt: time.Now(),
		Final:      false,
	})
}

// speakerSlot maps the provider's diarization label to a stable slot by
// order of first appearance. Slot 0 is treated as the local party.
func (s *SpeechmaticsSession) speakerSlot(label string) int {
	if label == "" {
		label = "UU"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := s.labels[label]; ok {
		return slot
	}
	slot := len(s.labels)
	s.labels[label] = slot
	if slot >= 2 {
		s.logger.Warn("provider emitted a new speaker label mid-call",
			"label", label, "slot", slot)
	}
	return slot
}

func (s *SpeechmaticsSession) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(speechmaticsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			deadline := time.Now().Add(speechmaticsPongTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				s.logger.Error("failed to send ping", "error", err)
				return
			}
		}
	}
}
