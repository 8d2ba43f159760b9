package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/hivemind/server/contextstore"
	"github.com/hivemind/server/llm"
	"github.com/hivemind/server/orchestrator"
	"github.com/hivemind/server/plugin"
	"github.com/hivemind/server/session"
	"github.com/hivemind/server/stream"
	"github.com/hivemind/server/wire"
)

// fakeEngine answers every generation with a canned result.
type fakeEngine struct {
	result *llm.Result
	err    error
}

func (f *fakeEngine) Generate(context.Context, llm.Request) (*llm.Result, error) {
	return f.result, f.err
}

// fakeProvider serves one intent with a fixed response.
type fakeProvider struct {
	name     string
	intents  []string
	response string
}

func (p *fakeProvider) Execute(context.Context, string, map[string]any) (*plugin.Result, error) {
	return &plugin.Result{Success: true, ResponseText: p.response}, nil
}

func (p *fakeProvider) PromptContext() string { return "" }

func (p *fakeProvider) Manifest() plugin.Manifest {
	return plugin.Manifest{Name: p.name, Version: "1.0.0", Intents: p.intents, Enabled: true}
}

func (p *fakeProvider) OnLoad(context.Context) error   { return nil }
func (p *fakeProvider) OnUnload(context.Context) error { return nil }

type testEnv struct {
	t       *testing.T
	store   *contextstore.Store
	manager *session.Manager
	server  *httptest.Server
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
}

func newTestEnv(t *testing.T, engine llm.Client, providers ...plugin.Plugin) *testEnv {
	t.Helper()

	store := contextstore.New(time.Hour)
	registry := plugin.NewRegistry()
	for _, p := range providers {
		if err := registry.Load(context.Background(), p); err != nil {
			t.Fatalf("failed to load plugin: %v", err)
		}
	}
	dispatcher := plugin.NewDispatcher(registry, time.Second, 4, time.Minute)
	agg := stream.New(8, 16)
	manager := session.NewManager(30*time.Second, 2)
	manager.SetOnClose(func(s *session.Session, _ session.CloseReason) {
		agg.CancelSession(s.ID)
	})

	orch := orchestrator.New(store, registry, dispatcher, engine, agg, manager)
	h := NewHandler("test-token", true, manager, orch)
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=test-token&client_id=client-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
		manager.Shutdown()
	})

	return &testEnv{
		t:       t,
		store:   store,
		manager: manager,
		server:  server,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *testEnv) send(msg wire.ClientMessage) {
	data, _ := json.Marshal(msg)
	if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("failed to send: %v", err)
	}
}

func (e *testEnv) read() map[string]any {
	_, data, err := e.conn.Read(e.ctx)
	if err != nil {
		e.t.Fatalf("failed to read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		e.t.Fatalf("failed to unmarshal: %v", err)
	}
	return msg
}

// readUntilFinal collects response chunks through the final one.
func (e *testEnv) readUntilFinal() []map[string]any {
	var chunks []map[string]any
	for {
		msg := e.read()
		if msg["type"] != wire.TypeResponseChunk {
			e.t.Fatalf("unexpected message type %v", msg["type"])
		}
		chunks = append(chunks, msg)
		if msg["is_final"].(bool) {
			return chunks
		}
	}
}

func TestHandler_MissingToken(t *testing.T) {
	manager := session.NewManager(30*time.Second, 2)
	defer manager.Shutdown()
	h := NewHandler("secret-token", true, manager, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing token") {
		t.Errorf("expected 'Missing token' in body, got %q", rec.Body.String())
	}
}

func TestHandler_InvalidToken(t *testing.T) {
	manager := session.NewManager(30*time.Second, 2)
	defer manager.Shutdown()
	h := NewHandler("secret-token", true, manager, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=wrong-token", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid token") {
		t.Errorf("expected 'Invalid token' in body, got %q", rec.Body.String())
	}
}

func TestHandler_VoiceInputStreamsReply(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &llm.Result{Reply: "Bonjour. Ça va bien."}})

	env.send(wire.ClientMessage{Type: wire.TypeVoiceInput, Transcription: "salut", ClientID: "client-1"})
	chunks := env.readUntilFinal()

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c["content"].(string))
	}
	if text.String() != "Bonjour. Ça va bien." {
		t.Errorf("reassembled reply = %q", text.String())
	}

	entries := env.store.ReadSince(0)
	if len(entries) != 2 {
		t.Errorf("context entries = %d, want 2", len(entries))
	}
}

func TestHandler_VoiceInputDispatchesAction(t *testing.T) {
	engine := &fakeEngine{result: &llm.Result{
		Intent: &llm.IntentCall{Intent: "get_weather", Params: map[string]any{"location": "Belfort"}},
	}}
	env := newTestEnv(t, engine, &fakeProvider{
		name:     "weather",
		intents:  []string{"get_weather"},
		response: "Il fait 20 degrés.",
	})

	env.send(wire.ClientMessage{Type: wire.TypeVoiceInput, Transcription: "quelle météo ?"})

	action := env.read()
	if action["type"] != wire.TypeAction {
		t.Fatalf("expected action message, got %v", action["type"])
	}
	if action["plugin"] != "weather" || action["action"] != "get_weather" {
		t.Errorf("unexpected action: %v", action)
	}

	chunks := env.readUntilFinal()
	if chunks[len(chunks)-1]["content"].(string) == "" {
		t.Error("empty final chunk for action result")
	}

	// Confirm round-trips without error.
	env.send(wire.ClientMessage{
		Type:     wire.TypeActionConfirm,
		ActionID: action["action_id"].(string),
		Status:   "succeeded",
	})
	env.send(wire.ClientMessage{Type: wire.TypePing})
	if msg := env.read(); msg["type"] != wire.TypePong {
		t.Errorf("expected pong after confirm, got %v", msg["type"])
	}
}

func TestHandler_PingPong(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &llm.Result{Reply: "ok"}})

	env.send(wire.ClientMessage{Type: wire.TypePing, ClientID: "client-1", State: "idle"})
	msg := env.read()

	if msg["type"] != wire.TypePong {
		t.Fatalf("expected pong, got %v", msg["type"])
	}
	if _, err := time.Parse(time.RFC3339, msg["timestamp"].(string)); err != nil {
		t.Errorf("bad pong timestamp %v: %v", msg["timestamp"], err)
	}
}

func TestHandler_InferenceDownSendsError(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{err: llm.ErrUnavailable})

	env.send(wire.ClientMessage{Type: wire.TypeVoiceInput, Transcription: "salut"})
	msg := env.read()

	if msg["type"] != wire.TypeError {
		t.Fatalf("expected error, got %v", msg["type"])
	}
	if msg["code"] != wire.CodeInferenceUnavailable {
		t.Errorf("code = %v", msg["code"])
	}
	if !msg["recoverable"].(bool) {
		t.Error("inference outage must be recoverable")
	}

	// Session survives: a ping still answers.
	env.send(wire.ClientMessage{Type: wire.TypePing})
	if m := env.read(); m["type"] != wire.TypePong {
		t.Errorf("expected pong after recoverable error, got %v", m["type"])
	}
}

func TestHandler_MalformedMessageClosesSession(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &llm.Result{Reply: "ok"}})

	if err := env.conn.Write(env.ctx, websocket.MessageText, []byte("{invalid json")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	msg := env.read()

	if msg["type"] != wire.TypeError || msg["code"] != wire.CodeProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", msg)
	}
	if msg["recoverable"].(bool) {
		t.Error("protocol errors are not recoverable")
	}

	// The server closes the session; subsequent reads fail.
	readCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := env.conn.Read(readCtx); err == nil {
		t.Error("connection still open after protocol error")
	}

	if env.manager.Len() != 0 {
		t.Errorf("live sessions = %d, want 0", env.manager.Len())
	}
}

func TestHandler_UnknownMessageTypeClosesSession(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &llm.Result{Reply: "ok"}})

	env.send(wire.ClientMessage{Type: "teleport"})
	msg := env.read()

	if msg["type"] != wire.TypeError || msg["code"] != wire.CodeProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", msg)
	}
}

func TestHandler_DisconnectClosesSession(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &llm.Result{Reply: "ok"}})

	if env.manager.Len() != 1 {
		t.Fatalf("live sessions = %d, want 1", env.manager.Len())
	}

	env.conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for env.manager.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not closed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
