package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/medchat-go/consult/pkg/engine/auth"
	"github.com/medchat-go/consult/pkg/engine/config"
	"github.com/medchat-go/consult/pkg/engine/lifecycle"
	"github.com/medchat-go/consult/pkg/engine/live/protocol"
	"github.com/medchat-go/consult/pkg/engine/live/registry"
	"github.com/medchat-go/consult/pkg/engine/live/session"
	"github.com/medchat-go/consult/pkg/engine/store"
	"github.com/medchat-go/consult/pkg/engine/types"
)

// CloseUnauthorized is the websocket close code for a failed token check.
// It mirrors HTTP 401 in the 4xxx application range.
const CloseUnauthorized = 4401

// LiveHandler handles GET /ws/session/{id} websocket connections.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Verifier  *auth.Verifier
	Store     store.SessionStore
	Collab    session.Collaborators
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "server is draining")
		return
	}

	// Anything checkable before the upgrade answers over plain HTTP; after
	// the upgrade the socket is the only channel left.
	sessionID := r.PathValue("id")
	if !types.ValidSessionID(sessionID) {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid session id")
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	token, ok := auth.TokenFromRequest(r)
	if !ok {
		h.closeWS(conn, CloseUnauthorized, "missing token")
		return
	}
	claims, err := h.Verifier.Verify(token)
	if err != nil {
		h.logger().Warn("rejecting live connection, token verification failed",
			"session_id", sessionID, "error", err)
		h.closeWS(conn, CloseUnauthorized, "authentication failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	sess, err := h.Store.Get(ctx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeWSError(conn, "session_not_found", "session not found")
		} else {
			h.logger().Error("failed to load session", "session_id", sessionID, "error", err)
			h.writeWSError(conn, "internal", "failed to load session")
		}
		return
	}
	if sess.UserID != claims.UserID {
		h.writeWSError(conn, "forbidden", "session belongs to another user")
		return
	}
	if sess.Status == types.StatusEnded {
		h.writeWSError(conn, "session_ended", "session has already ended")
		return
	}

	s, err := session.New(session.Dependencies{
		Conn:    conn,
		Logger:  h.logger(),
		Session: sess,
		Collab:  h.Collab,
		Config: session.Config{
			HistoryWindow:       h.Config.HistoryWindow,
			TopK:                h.Config.TopK,
			TurnQueueDepth:      h.Config.TurnQueueDepth,
			OutboundQueueSize:   h.Config.OutboundQueueSize,
			MaxAudioBytes:       h.Config.MaxAudioBytes,
			MaxJSONMessageBytes: h.Config.MaxJSONMessageBytes,
			WriteTimeout:        h.Config.WSWriteTimeout,
			PingInterval:        h.Config.WSPingInterval,
			ReadTimeout:         h.Config.WSReadTimeout,
			TranscribeTimeout:   h.Config.TranscribeTimeout,
			EmbedTimeout:        h.Config.EmbedTimeout,
			RetrieveTimeout:     h.Config.RetrieveTimeout,
			GenerateTimeout:     h.Config.GenerateTimeout,
			SynthesizeTimeout:   h.Config.SynthesizeTimeout,
		},
	})
	if err != nil {
		h.logger().Error("failed to initialize live connection", "session_id", sessionID, "error", err)
		h.writeWSError(conn, "internal", "failed to initialize connection")
		return
	}

	unregister := func() {}
	if h.Registry != nil {
		unregister = h.Registry.Register(sessionID, sess.UserID, s)
	}
	defer unregister()

	// Written directly: the connection's writer goroutine only starts
	// inside Run.
	hello := protocol.Frame{
		Type: protocol.TypeConnectionEstablished,
		Payload: protocol.ConnectionEstablishedPayload{
			SessionID:   sessionID,
			Status:      string(sess.Status),
			TimestampMS: time.Now().UnixMilli(),
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	if err := s.Run(); err != nil {
		h.logger().Warn("live connection ended with error",
			"session_id", sessionID, "user_id", sess.UserID, "error", err)
	}
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// writeWSError reports a connection-scoped failure over the socket, then
// closes it with a policy violation.
func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.Frame{
		Type:    protocol.TypeConnectionError,
		Payload: protocol.ConnectionErrorPayload{Code: code, Message: message},
	})
	h.closeWS(conn, websocket.ClosePolicyViolation, message)
}

func (h LiveHandler) closeWS(conn *websocket.Conn, code int, message string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
}
