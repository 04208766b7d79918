package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ringside/db"
	"ringside/session"
	"ringside/stt"
)

const (
	StrategyMultichannel = "multichannel"
	StrategyDiarized     = "diarized"
)

// Handler hosts the call connection endpoint: one websocket per call, one
// session per websocket.
type Handler struct {
	deps            session.Deps
	cfg             session.Config
	backends        map[string]stt.SpeechRecognition
	defaultStrategy string
	upgrader        websocket.Upgrader
	logger          *log.Logger
}

func NewHandler(
	deps session.Deps,
	cfg session.Config,
	backends map[string]stt.SpeechRecognition,
	defaultStrategy string,
	logger *log.Logger,
) *Handler {
	if defaultStrategy == "" {
		defaultStrategy = StrategyMultichannel
	}
	return &Handler{
		deps:            deps,
		cfg:             cfg,
		backends:        backends,
		defaultStrategy: defaultStrategy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 15,
			WriteBufferSize: 1 << 15,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Get("/call", h.handleCall)
	return r
}

// callMetadata is the first message on every call connection.
type callMetadata struct {
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id"`
	ProspectName string `json:"prospect_name,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Strategy     string `json:"strategy,omitempty"`
}

type endSignal struct {
	Type string `json:"type"`
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	meta, cfg, recognition, err := h.negotiate(conn)
	if err != nil {
		h.logger.Warn("call negotiation failed", "error", err)
		writeError(conn, err)
		return
	}

	deps := h.deps
	deps.Recognition = recognition

	sess, err := session.Start(r.Context(), meta, cfg, deps)
	if err != nil {
		h.logger.Error("failed to start session", "error", err)
		writeError(conn, fmt.Errorf("could not start call, retry: %w", err))
		return
	}

	// One writer goroutine per connection; it preserves the session's
	// event order on the wire.
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for ev := range sess.Events() {
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("client write failed",
					"call", sess.ID(), "error", err)
				return
			}
		}
	}()

	h.readLoop(conn, sess)

	// Disconnect or end signal: either way the call finalizes.
	sess.End()
	writerWG.Wait()
}

// negotiate reads the metadata message and resolves the transcription
// strategy for this call.
func (h *Handler) negotiate(
	conn *websocket.Conn,
) (db.CallMetadata, session.Config, stt.SpeechRecognition, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return db.CallMetadata{}, session.Config{}, nil,
			fmt.Errorf("failed to read metadata message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return db.CallMetadata{}, session.Config{}, nil,
			fmt.Errorf("first message must be call metadata")
	}

	var meta callMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return db.CallMetadata{}, session.Config{}, nil,
			fmt.Errorf("malformed call metadata: %w", err)
	}
	if meta.TenantID == "" || meta.UserID == "" {
		return db.CallMetadata{}, session.Config{}, nil,
			fmt.Errorf("call metadata requires tenant_id and user_id")
	}

	strategy := meta.Strategy
	if strategy == "" {
		strategy = h.defaultStrategy
	}
	recognition, ok := h.backends[strategy]
	if !ok {
		return db.CallMetadata{}, session.Config{}, nil,
			fmt.Errorf("unknown transcription strategy %q", strategy)
	}

	cfg := h.cfg
	cfg.SampleRate = meta.SampleRate
	if strategy == StrategyDiarized {
		cfg.Channels = 1
	} else {
		cfg.Channels = 2
	}

	return db.CallMetadata{
		TenantID:     meta.TenantID,
		UserID:       meta.UserID,
		ProspectName: meta.ProspectName,
		SampleRate:   meta.SampleRate,
	}, cfg, recognition, nil
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				h.logger.Warn("connection dropped",
					"call", sess.ID(), "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.SubmitAudio(data); err != nil {
				h.logger.Warn("audio rejected", "call", sess.ID(), "error", err)
			}
		case websocket.TextMessage:
			var sig endSignal
			if err := json.Unmarshal(data, &sig); err != nil {
				h.logger.Warn("malformed control message", "call", sess.ID())
				continue
			}
			if sig.Type == "end" {
				return
			}
		}
	}
}

func writeError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(session.Event{
		Kind:    session.EventError,
		Message: err.Error(),
	})
}
