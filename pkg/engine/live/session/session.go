// Package session implements the per-connection conversation engine: the
// inbound frame state machine, audio accumulation, the retrieval-augmented
// turn pipeline, and best-effort voice synthesis.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/medchat-go/consult/pkg/engine/live/protocol"
	"github.com/medchat-go/consult/pkg/engine/llm"
	"github.com/medchat-go/consult/pkg/engine/safety"
	"github.com/medchat-go/consult/pkg/engine/speech"
	"github.com/medchat-go/consult/pkg/engine/store"
	"github.com/medchat-go/consult/pkg/engine/types"
)

// Connection states. A turn moves the connection between established and
// processing; closed is terminal.
const (
	StateConnecting int32 = iota
	StateEstablished
	StateProcessing
	StateClosed
)

// wsConn is the slice of *websocket.Conn the engine needs; tests substitute
// a scripted fake.
type wsConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Config struct {
	HistoryWindow     int
	TopK              int
	TurnQueueDepth    int
	OutboundQueueSize int

	MaxAudioBytes       int64
	MaxJSONMessageBytes int64

	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration

	TranscribeTimeout time.Duration
	EmbedTimeout      time.Duration
	RetrieveTimeout   time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
}

// Collaborators are the external services one connection drives. Only the
// synthesizer is optional; a nil synthesizer disables voice output.
type Collaborators struct {
	Store       store.SessionStore
	Search      store.DocumentSearcher
	Embedder    llm.Embedder
	Generator   llm.Generator
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Safety      *safety.Detector
}

type Dependencies struct {
	Conn    wsConn
	Logger  *slog.Logger
	Session *types.Session
	Collab  Collaborators
	Config  Config
	Now     func() time.Time
}

// Conn owns one live socket for its whole lifetime: all writes go through
// its writer goroutine, and all turns run on its single turn worker.
type Conn struct {
	conn   wsConn
	logger *slog.Logger
	collab Collaborators
	cfg    Config
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	sessMu sync.Mutex
	sess   *types.Session

	outPriority chan outboundFrame
	outNormal   chan outboundFrame
	turnCh      chan turnInput

	// Audio accumulation is only ever touched from the read loop.
	audioBuf   [][]byte
	audioBytes int64

	state        atomic.Int32
	interrupted  atomic.Bool
	lastActivity atomic.Int64

	traceMu   sync.Mutex
	lastTrace []TurnState
}

type turnInput struct {
	text    string
	audio   []byte
	isAudio bool
}

func New(deps Dependencies) (*Conn, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if deps.Collab.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Collab.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if deps.Collab.Search == nil {
		return nil, fmt.Errorf("document searcher is required")
	}
	if deps.Collab.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Collab.Safety == nil {
		deps.Collab.Safety = safety.NewDetector(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.HistoryWindow <= 0 {
		deps.Config.HistoryWindow = 10
	}
	if deps.Config.TopK <= 0 {
		deps.Config.TopK = 5
	}
	if deps.Config.TurnQueueDepth <= 0 {
		deps.Config.TurnQueueDepth = 4
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 64
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.PingInterval <= 0 {
		deps.Config.PingInterval = 20 * time.Second
	}
	if deps.Config.MaxAudioBytes <= 0 {
		deps.Config.MaxAudioBytes = 10 << 20
	}
	if deps.Config.TranscribeTimeout <= 0 {
		deps.Config.TranscribeTimeout = 30 * time.Second
	}
	if deps.Config.EmbedTimeout <= 0 {
		deps.Config.EmbedTimeout = 30 * time.Second
	}
	if deps.Config.RetrieveTimeout <= 0 {
		deps.Config.RetrieveTimeout = 30 * time.Second
	}
	if deps.Config.GenerateTimeout <= 0 {
		deps.Config.GenerateTimeout = 60 * time.Second
	}
	if deps.Config.SynthesizeTimeout <= 0 {
		deps.Config.SynthesizeTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:        deps.Conn,
		logger:      deps.Logger,
		collab:      deps.Collab,
		cfg:         deps.Config,
		now:         deps.Now,
		ctx:         ctx,
		cancel:      cancel,
		sess:        deps.Session.Clone(),
		outPriority: make(chan outboundFrame, 16),
		outNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		turnCh:      make(chan turnInput, deps.Config.TurnQueueDepth),
	}
	c.state.Store(StateConnecting)
	c.touch()
	return c, nil
}

func (c *Conn) SessionID() string { return c.session().ID }
func (c *Conn) UserID() string    { return c.session().UserID }

func (c *Conn) session() *types.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}

// Run drives the connection until the socket closes or the connection is
// cancelled. On exit the owning session is marked paused, never ended, so a
// client can reconnect and resume.
func (c *Conn) Run() error {
	defer c.cancel()

	if c.cfg.MaxJSONMessageBytes > 0 {
		c.conn.SetReadLimit(c.cfg.MaxJSONMessageBytes)
	}
	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       c.conn,
			ctx:      c.ctx,
			cfg:      c.cfg,
			priority: c.outPriority,
			normal:   c.outNormal,
		}
		writerErrCh <- w.Run()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case in := <-c.turnCh:
				c.processTurn(in)
			}
		}
	}()

	c.state.Store(StateEstablished)

	var readErr error
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("dropping non-text frame", "session_id", c.SessionID())
			continue
		}
		c.touch()
		c.dispatch(data)
	}

	c.state.Store(StateClosed)
	c.cancel()
	wg.Wait()

	// The writer already wrote the close frame on cancellation; give it a
	// moment to flush before tearing down.
	waitTimer := time.NewTimer(200 * time.Millisecond)
	defer waitTimer.Stop()
	select {
	case <-writerErrCh:
	case <-waitTimer.C:
	}

	c.pauseSession()

	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return readErr
	}
	return nil
}

func (c *Conn) dispatch(data []byte) {
	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.UnknownType() {
			c.logger.Warn("ignoring unrecognized frame type", "session_id", c.SessionID())
		} else {
			c.logger.Warn("dropping malformed frame", "session_id", c.SessionID(), "error", err)
		}
		return
	}

	switch f := frame.(type) {
	case protocol.Ping:
		_ = c.sendPriority(protocol.Frame{
			Type:    protocol.TypePong,
			Payload: protocol.PongPayload{TimestampMS: c.nowMS()},
		})
	case protocol.AudioChunk:
		c.handleChunk(f)
	case protocol.AudioFinal:
		// The read loop is the only sender on turnCh, so checking for room
		// before assembling keeps the chunk buffer intact when the turn is
		// rejected; the client can retry with just another audio_final.
		if len(c.turnCh) == cap(c.turnCh) {
			c.rejectTurn()
			return
		}
		c.enqueueTurn(turnInput{audio: c.assembleAudio(f.Data), isAudio: true})
	case protocol.TextMessage:
		c.enqueueTurn(turnInput{text: f.Text})
	case protocol.Interrupt:
		c.handleInterrupt()
	}
}

// handleChunk is fire-and-forget accumulation: append and acknowledge,
// never block the read loop on the pipeline.
func (c *Conn) handleChunk(chunk protocol.AudioChunk) {
	if c.audioBytes+int64(len(chunk.Data)) > c.cfg.MaxAudioBytes {
		c.logger.Warn("dropping audio chunk over buffer limit",
			"session_id", c.SessionID(), "buffered_bytes", c.audioBytes)
		return
	}
	c.audioBuf = append(c.audioBuf, chunk.Data)
	c.audioBytes += int64(len(chunk.Data))
	_ = c.send(protocol.Frame{
		Type: protocol.TypeAudioChunkReceived,
		Payload: protocol.AudioChunkReceivedPayload{
			ChunkID:       chunk.ChunkID,
			BufferedBytes: c.audioBytes,
		},
	})
}

// assembleAudio concatenates buffered chunks with the final frame's own
// data (a client may send the entire clip in the final frame) and clears
// the buffer.
func (c *Conn) assembleAudio(final []byte) []byte {
	total := int(c.audioBytes) + len(final)
	out := make([]byte, 0, total)
	for _, chunk := range c.audioBuf {
		out = append(out, chunk...)
	}
	out = append(out, final...)
	c.audioBuf = nil
	c.audioBytes = 0
	return out
}

// enqueueTurn serializes turn processing: inputs queue behind the current
// turn up to the configured depth, then are explicitly rejected with their
// own terminal frame.
func (c *Conn) enqueueTurn(in turnInput) {
	select {
	case c.turnCh <- in:
	default:
		c.rejectTurn()
	}
}

func (c *Conn) rejectTurn() {
	c.logger.Warn("rejecting turn, queue full", "session_id", c.SessionID())
	_ = c.send(protocol.Frame{
		Type:    protocol.TypeProcessingError,
		Payload: protocol.ProcessingErrorPayload{Message: "a previous message is still processing, please retry"},
	})
}

// handleInterrupt is advisory: it records the interruption and notifies the
// client, but does not abort the in-flight collaborator call.
func (c *Conn) handleInterrupt() {
	c.interrupted.Store(true)

	msg := c.newMessage(types.MessageSystem, "User interrupted the AI response.")
	if err := c.appendMessage(msg); err != nil {
		c.logger.Error("failed to persist interrupt note", "session_id", c.SessionID(), "error", err)
	}
	_ = c.send(protocol.Frame{
		Type:    protocol.TypeAIInterrupted,
		Payload: protocol.AIInterruptedPayload{TimestampMS: c.nowMS()},
	})
}

func (c *Conn) newMessage(msgType types.MessageType, content string) types.Message {
	return types.Message{
		ID:        uuid.NewString(),
		Timestamp: c.now(),
		Type:      msgType,
		Content:   content,
	}
}

// appendMessage writes through to the store and mirrors the message into
// the local snapshot so prompt windows see it.
func (c *Conn) appendMessage(msg types.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.collab.Store.AppendMessage(ctx, c.SessionID(), msg); err != nil {
		return err
	}
	c.sessMu.Lock()
	c.sess.History = append(c.sess.History, msg)
	c.sessMu.Unlock()
	return nil
}

// pauseSession marks the session paused after disconnect. If the store is
// unreachable the pause is lost; that risk is logged, not hidden.
func (c *Conn) pauseSession() {
	if c.session().Status == types.StatusEnded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.collab.Store.SetStatus(ctx, c.SessionID(), types.StatusPaused); err != nil {
		c.logger.Error("failed to pause session on disconnect",
			"session_id", c.SessionID(), "error", err)
	}
}

// Deliver implements the registry endpoint: best-effort enqueue, reporting
// false instead of blocking when the connection cannot take the frame.
func (c *Conn) Deliver(frame protocol.Frame) bool {
	if c.state.Load() == StateClosed {
		return false
	}
	return c.trySend(frame)
}

func (c *Conn) Close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(c.now().UnixNano())
}

func (c *Conn) nowMS() int64 {
	return c.now().UnixMilli()
}

func (c *Conn) setTrace(trace []TurnState) {
	c.traceMu.Lock()
	c.lastTrace = trace
	c.traceMu.Unlock()
}

func (c *Conn) turnTrace() []TurnState {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	out := make([]TurnState, len(c.lastTrace))
	copy(out, c.lastTrace)
	return out
}
