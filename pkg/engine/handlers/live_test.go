package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/medchat-go/consult/pkg/engine/auth"
	"github.com/medchat-go/consult/pkg/engine/config"
	"github.com/medchat-go/consult/pkg/engine/lifecycle"
	"github.com/medchat-go/consult/pkg/engine/live/protocol"
	"github.com/medchat-go/consult/pkg/engine/live/registry"
	"github.com/medchat-go/consult/pkg/engine/live/session"
	"github.com/medchat-go/consult/pkg/engine/llm"
	"github.com/medchat-go/consult/pkg/engine/speech"
	"github.com/medchat-go/consult/pkg/engine/store"
	"github.com/medchat-go/consult/pkg/engine/types"
)

const testJWTSecret = "handler-test-secret"

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type stubGenerator struct{}

func (stubGenerator) Name() string { return "stub" }

func (stubGenerator) Generate(context.Context, string) (*llm.Generation, error) {
	return &llm.Generation{Text: "stub answer", Model: "stub-model"}, nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, []byte) (speech.Transcript, error) {
	return speech.Transcript{Text: "stub transcript"}, nil
}

type liveFixture struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	registry *registry.Registry
	life     *lifecycle.Lifecycle
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.Put(&types.Session{ID: "sess_aaaa0001", UserID: "user-1", Status: types.StatusActive})
	mem.Put(&types.Session{ID: "sess_bbbb0001", UserID: "user-2", Status: types.StatusActive})
	mem.Put(&types.Session{ID: "sess_over0001", UserID: "user-1", Status: types.StatusEnded})

	fix := &liveFixture{
		store:    mem,
		registry: registry.New(nil),
		life:     &lifecycle.Lifecycle{},
	}

	cfg := config.Config{
		JWTSecret:        testJWTSecret,
		TopK:             5,
		HistoryWindow:    10,
		HandshakeTimeout: 2 * time.Second,
		WSWriteTimeout:   2 * time.Second,
		WSPingInterval:   time.Hour,
	}
	handler := LiveHandler{
		Config:   cfg,
		Logger:   slog.New(slog.DiscardHandler),
		Verifier: auth.NewVerifier(testJWTSecret),
		Store:    mem,
		Collab: session.Collaborators{
			Store:       mem,
			Search:      store.NewMemorySearcher(0.5),
			Embedder:    stubEmbedder{},
			Generator:   stubGenerator{},
			Transcriber: stubTranscriber{},
		},
		Lifecycle: fix.life,
		Registry:  fix.registry,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws/session/{id}", handler)
	fix.srv = httptest.NewServer(mux)
	t.Cleanup(fix.srv.Close)
	return fix
}

func (f *liveFixture) wsURL(sessionID string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/session/" + sessionID
}

func mintToken(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"aud":  "authenticated",
		"role": "authenticated",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v (%s)", err, data)
	}
	return frame.Type, frame.Payload, nil
}

func TestLiveRejectsInvalidSessionIDBeforeUpgrade(t *testing.T) {
	fix := newLiveFixture(t)

	resp, err := http.Get(fix.srv.URL + "/ws/session/js!")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLiveClosesUnauthorizedWith4401(t *testing.T) {
	fix := newLiveFixture(t)
	conn := dial(t, fix.wsURL("sess_aaaa0001"), "")

	_, _, err := readFrame(t, conn)
	var closeErr *websocket.CloseError
	if !websocket.IsCloseError(err, CloseUnauthorized) {
		t.Fatalf("err = %v (%T), want close %d", err, closeErr, CloseUnauthorized)
	}
}

func TestLiveClosesBadTokenWith4401(t *testing.T) {
	fix := newLiveFixture(t)
	conn := dial(t, fix.wsURL("sess_aaaa0001"), "not-a-jwt")

	_, _, err := readFrame(t, conn)
	if !websocket.IsCloseError(err, CloseUnauthorized) {
		t.Fatalf("err = %v, want close %d", err, CloseUnauthorized)
	}
}

func TestLiveUnknownSessionGetsConnectionError(t *testing.T) {
	fix := newLiveFixture(t)
	conn := dial(t, fix.wsURL("sess_ghost001"), mintToken(t, "user-1"))

	frameType, payload, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frameType != protocol.TypeConnectionError {
		t.Fatalf("frame type = %s", frameType)
	}
	var ce protocol.ConnectionErrorPayload
	if err := json.Unmarshal(payload, &ce); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ce.Code != "session_not_found" {
		t.Fatalf("code = %q", ce.Code)
	}
}

func TestLiveForbidsOtherUsersSession(t *testing.T) {
	fix := newLiveFixture(t)
	conn := dial(t, fix.wsURL("sess_bbbb0001"), mintToken(t, "user-1"))

	frameType, payload, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frameType != protocol.TypeConnectionError {
		t.Fatalf("frame type = %s", frameType)
	}
	var ce protocol.ConnectionErrorPayload
	if err := json.Unmarshal(payload, &ce); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ce.Code != "forbidden" {
		t.Fatalf("code = %q", ce.Code)
	}
}

func TestLiveRejectsEndedSession(t *testing.T) {
	fix := newLiveFixture(t)
	conn := dial(t, fix.wsURL("sess_over0001"), mintToken(t, "user-1"))

	frameType, payload, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frameType != protocol.TypeConnectionError {
		t.Fatalf("frame type = %s", frameType)
	}
	var ce protocol.ConnectionErrorPayload
	if err := json.Unmarshal(payload, &ce); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ce.Code != "session_ended" {
		t.Fatalf("code = %q", ce.Code)
	}
}

func TestLiveHappyPathTurn(t *testing.T) {
	fix := newLiveFixture(t)
	conn := dial(t, fix.wsURL("sess_aaaa0001"), mintToken(t, "user-1"))

	frameType, payload, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frameType != protocol.TypeConnectionEstablished {
		t.Fatalf("first frame = %s, want connection_established", frameType)
	}
	var hello protocol.ConnectionEstablishedPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hello.SessionID != "sess_aaaa0001" || hello.Status != "active" {
		t.Fatalf("hello = %+v", hello)
	}
	if fix.registry.Len() != 1 {
		t.Fatalf("registry len = %d after connect", fix.registry.Len())
	}

	err = conn.WriteJSON(map[string]any{
		"type":    protocol.TypeTextMessage,
		"payload": map[string]any{"text": "what do my labs show?"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	var seen []string
	for {
		frameType, _, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		seen = append(seen, frameType)
		if frameType == protocol.TypeAIResponseComplete {
			break
		}
	}
	want := []string{
		protocol.TypeProcessingStarted,
		protocol.TypeRAGComplete,
		protocol.TypeProcessingStarted,
		protocol.TypeAIResponseComplete,
	}
	if len(seen) != len(want) {
		t.Fatalf("frames = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("frames = %v, want %v", seen, want)
		}
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := fix.store.Get(context.Background(), "sess_aaaa0001")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == types.StatusPaused {
			if len(sess.History) != 2 {
				t.Fatalf("history length = %d, want 2", len(sess.History))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session status = %s, want paused after disconnect", sess.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveReconnectAfterPauseSeesPriorHistory(t *testing.T) {
	fix := newLiveFixture(t)
	token := mintToken(t, "user-1")
	conn := dial(t, fix.wsURL("sess_aaaa0001"), token)

	if frameType, _, err := readFrame(t, conn); err != nil || frameType != protocol.TypeConnectionEstablished {
		t.Fatalf("first frame = %s, err = %v", frameType, err)
	}
	err := conn.WriteJSON(map[string]any{
		"type":    protocol.TypeTextMessage,
		"payload": map[string]any{"text": "what do my labs show?"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		frameType, _, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if frameType == protocol.TypeAIResponseComplete {
			break
		}
	}
	conn.Close()

	waitForStatus(t, fix.store, "sess_aaaa0001", types.StatusPaused)

	// Same owner, same session id: the paused session accepts the new
	// connection and the snapshot carries the prior turn's messages.
	again := dial(t, fix.wsURL("sess_aaaa0001"), token)
	frameType, payload, err := readFrame(t, again)
	if err != nil {
		t.Fatalf("read after reconnect: %v", err)
	}
	if frameType != protocol.TypeConnectionEstablished {
		t.Fatalf("reconnect frame = %s, want connection_established", frameType)
	}
	var hello protocol.ConnectionEstablishedPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hello.Status != string(types.StatusPaused) {
		t.Fatalf("reconnect status = %q, want paused", hello.Status)
	}

	err = again.WriteJSON(map[string]any{
		"type":    protocol.TypeTextMessage,
		"payload": map[string]any{"text": "and compared to last time?"},
	})
	if err != nil {
		t.Fatalf("write after reconnect: %v", err)
	}
	for {
		frameType, _, err := readFrame(t, again)
		if err != nil {
			t.Fatalf("read after reconnect: %v", err)
		}
		if frameType == protocol.TypeAIResponseComplete {
			break
		}
	}
	again.Close()

	waitForStatus(t, fix.store, "sess_aaaa0001", types.StatusPaused)
	sess, err := fix.store.Get(context.Background(), "sess_aaaa0001")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(sess.History) != 4 {
		t.Fatalf("history length = %d, want both turns preserved", len(sess.History))
	}
	if sess.History[0].Content != "what do my labs show?" || sess.History[2].Content != "and compared to last time?" {
		t.Fatalf("history out of order: %+v", sess.History)
	}
}

func waitForStatus(t *testing.T, mem *store.MemoryStore, sessionID string, want types.SessionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := mem.Get(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session status = %s, want %s", sess.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveDrainingRefusesConnections(t *testing.T) {
	fix := newLiveFixture(t)
	fix.life.SetDraining(true)

	resp, err := http.Get(fix.srv.URL + "/ws/session/sess_aaaa0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
