package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"ringside/ammo"
	"ringside/db"
	"ringside/session"
	"ringside/stt"
)

type wsBackend struct {
	mu     sync.Mutex
	chunks chan stt.Chunk
	sent   [][]byte
	closed bool
}

func newWSBackend() *wsBackend {
	return &wsBackend{chunks: make(chan stt.Chunk, 64)}
}

func (b *wsBackend) SendAudio(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, data)
	return nil
}

func (b *wsBackend) Chunks() <-chan stt.Chunk { return b.chunks }

func (b *wsBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.chunks)
	}
	return nil
}

func (b *wsBackend) inject(speaker int, text string) {
	b.chunks <- stt.Chunk{
		Text:       text,
		Speaker:    speaker,
		ReceivedAt: time.Now(),
		Final:      true,
	}
}

type wsRecognition struct {
	backend *wsBackend
}

func (r *wsRecognition) Start(
	_ context.Context,
	_ stt.SessionConfig,
) (stt.LiveTranscriptionSession, error) {
	return r.backend, nil
}

type wsGateway struct{}

func (wsGateway) CreateCall(context.Context, db.CallMetadata) (string, error) {
	return "call-web-1", nil
}

func (wsGateway) AppendTranscriptSegment(
	context.Context, string, int, string, time.Time,
) error {
	return nil
}

func (wsGateway) RecordAmmo(context.Context, string, ammo.Item) error {
	return nil
}

func (wsGateway) SetActive(context.Context, string, int) error { return nil }

func (wsGateway) CompleteCall(context.Context, string, db.CallCompletion) error {
	return nil
}

func (wsGateway) GetTenantExtractionPolicy(
	context.Context, string,
) (*ammo.Policy, error) {
	return nil, nil
}

type emptyCapability struct{}

func (emptyCapability) Complete(context.Context, string, string) (string, error) {
	return "[]", nil
}

func startServer(t *testing.T, backend *wsBackend) (*httptest.Server, string) {
	t.Helper()

	logger := log.New(io.Discard)
	deps := session.Deps{
		Engine:  ammo.NewEngine(emptyCapability{}, logger),
		Gateway: wsGateway{},
		Logger:  logger,
	}
	backends := map[string]stt.SpeechRecognition{
		StrategyMultichannel: &wsRecognition{backend: backend},
	}

	handler := NewHandler(deps, session.Config{}, backends, "", logger)
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)

	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/call"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) session.Event {
	t.Helper()
	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startServer(t, newWSBackend())

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestCallRoundTrip(t *testing.T) {
	backend := newWSBackend()
	_, url := startServer(t, backend)
	conn := dial(t, url)

	err := conn.WriteJSON(map[string]any{
		"tenant_id":     "t1",
		"user_id":       "u1",
		"prospect_name": "Dana",
		"sample_rate":   48000,
	})
	if err != nil {
		t.Fatalf("send metadata: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Kind != session.EventCreated {
		t.Fatalf("first event = %q, want %q", ev.Kind, session.EventCreated)
	}
	if ev.CallID == "" {
		t.Error("session-created event missing call id")
	}

	frame := make([]byte, 8192)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	backend.inject(1, "we keep missing our quota")

	ev = readEvent(t, conn)
	if ev.Kind != session.EventTranscript {
		t.Fatalf("event = %q, want %q", ev.Kind, session.EventTranscript)
	}
	if ev.Speaker != 1 || !ev.Final {
		t.Errorf("transcript event speaker=%d final=%v, want 1 true",
			ev.Speaker, ev.Final)
	}
	if ev.Text != "we keep missing our quota" {
		t.Errorf("transcript text = %q", ev.Text)
	}

	if err := conn.WriteJSON(map[string]string{"type": "end"}); err != nil {
		t.Fatalf("send end: %v", err)
	}

	for {
		ev = readEvent(t, conn)
		if ev.Kind == session.EventCompleted {
			break
		}
	}
	if ev.Completion == nil {
		t.Fatal("completed event has no completion payload")
	}
	if !strings.Contains(ev.Completion.Transcript, "missing our quota") {
		t.Errorf("completion transcript = %q", ev.Completion.Transcript)
	}
}

func TestMetadataRequiresIdentity(t *testing.T) {
	_, url := startServer(t, newWSBackend())
	conn := dial(t, url)

	if err := conn.WriteJSON(map[string]string{"user_id": "u1"}); err != nil {
		t.Fatalf("send metadata: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Kind != session.EventError {
		t.Fatalf("event = %q, want %q", ev.Kind, session.EventError)
	}
	if !strings.Contains(ev.Message, "tenant_id") {
		t.Errorf("error message = %q, want mention of tenant_id", ev.Message)
	}
}

func TestUnknownStrategyRejected(t *testing.T) {
	_, url := startServer(t, newWSBackend())
	conn := dial(t, url)

	err := conn.WriteJSON(map[string]string{
		"tenant_id": "t1",
		"user_id":   "u1",
		"strategy":  "psychic",
	})
	if err != nil {
		t.Fatalf("send metadata: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Kind != session.EventError {
		t.Fatalf("event = %q, want %q", ev.Kind, session.EventError)
	}
	if !strings.Contains(ev.Message, "psychic") {
		t.Errorf("error message = %q, want strategy name", ev.Message)
	}
}
