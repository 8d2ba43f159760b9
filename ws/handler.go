// Package ws accepts client connections and speaks the JSON message
// protocol. Each connection gets one session; all writes to the client go
// through the session's transport.
package ws

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/hivemind/server/logger"
	"github.com/hivemind/server/orchestrator"
	"github.com/hivemind/server/session"
	"github.com/hivemind/server/wire"
)

const transcriptionLogMaxLen = 50

type Handler struct {
	token    string
	devMode  bool
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
}

func NewHandler(token string, devMode bool, sessions *session.Manager, orch *orchestrator.Orchestrator) *Handler {
	return &Handler{
		token:    token,
		devMode:  devMode,
		sessions: sessions,
		orch:     orch,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	queryToken := r.URL.Query().Get("token")
	if queryToken == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	if subtle.ConstantTimeCompare([]byte(queryToken), []byte(h.token)) != 1 {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		logger.NewRequestLogger().Error("failed to accept websocket", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	h.handleConnection(r.Context(), conn, clientID)
}

// transport adapts a websocket connection to session.Transport. The write
// mutex serializes frames from the read loop and stream consumers.
type transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *transport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *transport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

func (h *Handler) handleConnection(ctx context.Context, conn *websocket.Conn, clientID string) {
	s, err := h.sessions.Admit(clientID, &transport{conn: conn})
	if err != nil {
		logger.NewRequestLogger().Error("failed to admit session", "clientId", clientID, "error", err)
		conn.Close(websocket.StatusInternalError, "admission failed")
		return
	}

	log := logger.NewSessionLogger(s.ID)
	log.Info("connection established", "clientId", clientID)

	// Turns outlive single read iterations; wait for them before the
	// connection goroutine exits.
	var turns sync.WaitGroup
	defer turns.Wait()
	defer h.sessions.Close(s.ID, session.CloseClientDisconnect)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("read loop ended", "error", err)
			return
		}

		msg, err := wire.ParseClientMessage(data)
		if err != nil {
			log.Warn("protocol violation", "error", err)
			s.Send(ctx, wire.Encode(wire.NewError(wire.CodeProtocolError, err.Error(), false)))
			h.sessions.Close(s.ID, session.CloseProtocolError)
			return
		}

		switch msg.Type {
		case wire.TypeVoiceInput:
			log.Info("voice input received", "transcription", logger.Truncate(msg.Transcription, transcriptionLogMaxLen))
			turns.Add(1)
			go func(transcription string) {
				defer turns.Done()
				h.orch.HandleVoiceInput(s, transcription)
			}(msg.Transcription)

		case wire.TypePing:
			h.orch.HandlePing(s)

		case wire.TypeActionConfirm:
			h.orch.HandleActionConfirm(s, msg.ActionID, msg.Status)
		}
	}
}
