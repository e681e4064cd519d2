package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/medchat-go/consult/pkg/engine/live/protocol"
	"github.com/medchat-go/consult/pkg/engine/llm"
	"github.com/medchat-go/consult/pkg/engine/safety"
	"github.com/medchat-go/consult/pkg/engine/types"
)

// TurnState names a point in a turn's lifecycle, recorded in order for
// observability.
type TurnState string

const (
	TurnReceived     TurnState = "received"
	TurnTranscribing TurnState = "transcribing"
	TurnEmbedding    TurnState = "embedding"
	TurnRetrieving   TurnState = "retrieving"
	TurnGenerating   TurnState = "generating"
	TurnSynthesizing TurnState = "synthesizing"
	TurnDone         TurnState = "done"
	TurnFailed       TurnState = "failed"
)

// turn carries one user input through the pipeline.
type turn struct {
	c         *Conn
	userText  string
	embedding []float32
	rag       types.RAGResult
	gen       *llm.Generation
	assistant types.Message
	startedAt time.Time
	trace     []TurnState
}

// turnStage is one pipeline step. A fatal stage failure emits a single
// processing_error and aborts the turn; a non-fatal failure emits the
// stage's soft frame and the turn still completes.
type turnStage struct {
	state      TurnState
	startStage string
	timeout    time.Duration
	fatal      bool
	skip       func(t *turn) bool
	run        func(ctx context.Context, t *turn) error
	after      func(t *turn) error
	soft       func(t *turn, err error)
}

func (c *Conn) processTurn(in turnInput) {
	c.state.Store(StateProcessing)
	defer c.state.Store(StateEstablished)
	c.interrupted.Store(false)

	t := &turn{c: c, startedAt: c.now(), trace: []TurnState{TurnReceived}}
	defer func() { c.setTrace(t.trace) }()

	if in.isAudio {
		text, ok := c.transcribe(t, in.audio)
		if !ok {
			return
		}
		t.userText = text
	} else {
		t.userText = strings.TrimSpace(in.text)
	}
	if t.userText == "" {
		t.fail("no speech detected, please try again")
		return
	}

	userMsg := c.newMessage(types.MessageUser, t.userText)
	if err := c.appendMessage(userMsg); err != nil {
		c.logger.Error("failed to persist user message",
			"session_id", c.SessionID(), "error", err)
		t.fail("failed to save your message, please retry")
		return
	}

	// The safety gate runs before any retrieval or generation: an emergency
	// gets the fixed guidance immediately, never a model answer.
	if det := c.collab.Safety.Detect(t.userText); det.Matched {
		c.respondEmergency(t, det.Keywords)
		return
	}

	stages := []turnStage{
		{
			state:      TurnEmbedding,
			startStage: protocol.StageRAGRetrieval,
			timeout:    c.cfg.EmbedTimeout,
			fatal:      true,
			run:        runEmbed,
		},
		{
			state:   TurnRetrieving,
			timeout: c.cfg.RetrieveTimeout,
			fatal:   true,
			run:     runRetrieve,
			after:   emitRAGComplete,
		},
		{
			state:      TurnGenerating,
			startStage: protocol.StageAIGeneration,
			timeout:    c.cfg.GenerateTimeout,
			fatal:      true,
			run:        runGenerate,
			after:      emitResponseComplete,
		},
		{
			state:   TurnSynthesizing,
			timeout: c.cfg.SynthesizeTimeout,
			skip:    skipSynthesis,
			run:     runSynthesize,
			soft:    emitTTSError,
		},
	}

	for _, stage := range stages {
		if stage.skip != nil && stage.skip(t) {
			continue
		}
		if stage.startStage != "" {
			c.send(protocol.Frame{
				Type:    protocol.TypeProcessingStarted,
				Payload: protocol.ProcessingStartedPayload{Stage: stage.startStage},
			})
		}
		t.trace = append(t.trace, stage.state)

		ctx, cancel := context.WithTimeout(c.ctx, stage.timeout)
		err := stage.run(ctx, t)
		cancel()
		if err == nil && stage.after != nil {
			err = stage.after(t)
		}
		if err != nil {
			c.logger.Error("turn stage failed",
				"session_id", c.SessionID(), "stage", string(stage.state), "error", err)
			if stage.fatal {
				t.fail(stageFailureMessage(stage.state))
				return
			}
			stage.soft(t, err)
		}
	}

	t.trace = append(t.trace, TurnDone)
}

// transcribe resolves an audio turn to text, emitting the transcription
// stage frames. A false return means the turn already ended with its
// terminal frame.
func (c *Conn) transcribe(t *turn, audio []byte) (string, bool) {
	if len(audio) == 0 {
		t.fail("no speech detected, please try again")
		return "", false
	}
	if c.collab.Transcriber == nil {
		t.fail("voice input is not available")
		return "", false
	}

	c.send(protocol.Frame{
		Type:    protocol.TypeProcessingStarted,
		Payload: protocol.ProcessingStartedPayload{Stage: protocol.StageTranscription},
	})
	t.trace = append(t.trace, TurnTranscribing)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.TranscribeTimeout)
	defer cancel()
	tr, err := c.collab.Transcriber.Transcribe(ctx, audio)
	if err != nil {
		c.logger.Error("transcription failed", "session_id", c.SessionID(), "error", err)
		t.fail(stageFailureMessage(TurnTranscribing))
		return "", false
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		t.fail("no speech detected, please try again")
		return "", false
	}
	c.send(protocol.Frame{
		Type: protocol.TypeTranscriptionComplete,
		Payload: protocol.TranscriptionCompletePayload{
			Text:       text,
			DurationMS: tr.DurationMS,
		},
	})
	return text, true
}

// respondEmergency appends the fixed safety response and notifies the
// client. The frame is emitted even if persistence fails: getting the
// guidance to the user outranks durability.
func (c *Conn) respondEmergency(t *turn, keywords []string) {
	msg := c.newMessage(types.MessageAssistant, safety.EmergencyResponse)
	msg.EmergencyDetected = true
	if err := c.appendMessage(msg); err != nil {
		c.logger.Error("failed to persist emergency response",
			"session_id", c.SessionID(), "error", err)
	}
	c.send(protocol.Frame{
		Type: protocol.TypeEmergencyDetected,
		Payload: protocol.EmergencyDetectedPayload{
			Keywords: keywords,
			Message:  safety.EmergencyResponse,
		},
	})
	t.trace = append(t.trace, TurnDone)
}

func runEmbed(ctx context.Context, t *turn) error {
	embedding, err := t.c.collab.Embedder.Embed(ctx, t.userText)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}
	t.embedding = embedding
	return nil
}

func runRetrieve(ctx context.Context, t *turn) error {
	docs, err := t.c.collab.Search.Search(ctx, t.c.UserID(), t.embedding, t.c.cfg.TopK)
	if err != nil {
		return fmt.Errorf("search documents: %w", err)
	}
	t.rag = newRAGResult(docs)
	return nil
}

// newRAGResult folds the retrieval hits into one transient value: the
// concatenated prompt context plus the sources carried on the assistant
// message and the rag_complete frame.
func newRAGResult(docs []types.ScoredDocument) types.RAGResult {
	sources := make([]types.Source, 0, len(docs))
	var b strings.Builder
	for _, doc := range docs {
		sources = append(sources, types.Source{
			Filename:   doc.Filename,
			Similarity: doc.Similarity,
		})
		b.WriteString("Document: ")
		b.WriteString(doc.Filename)
		b.WriteString("\n")
		b.WriteString(truncate(doc.Content, 500))
		b.WriteString("\n\n")
	}
	return types.RAGResult{
		Context:        b.String(),
		Sources:        sources,
		DocumentsFound: len(docs),
	}
}

func emitRAGComplete(t *turn) error {
	t.c.send(protocol.Frame{
		Type: protocol.TypeRAGComplete,
		Payload: protocol.RAGCompletePayload{
			DocumentsFound: t.rag.DocumentsFound,
			Sources:        wireSources(t.rag.Sources),
		},
	})
	return nil
}

func wireSources(sources []types.Source) []protocol.Source {
	out := make([]protocol.Source, len(sources))
	for i, s := range sources {
		out[i] = protocol.Source{Filename: s.Filename, Similarity: s.Similarity}
	}
	return out
}

func runGenerate(ctx context.Context, t *turn) error {
	gen, err := t.c.collab.Generator.Generate(ctx, t.buildPrompt())
	if err != nil {
		return fmt.Errorf("generate response: %w", err)
	}
	gen.ProcessingTimeMS = t.c.now().Sub(t.startedAt).Milliseconds()
	t.gen = gen
	return nil
}

// emitResponseComplete persists the assistant message and emits the turn's
// terminal frame. Persistence failure here is fatal: a response the client
// saw but the history lost would corrupt every later prompt window.
func emitResponseComplete(t *turn) error {
	c := t.c

	msg := c.newMessage(types.MessageAssistant, t.gen.Text)
	msg.Sources = t.rag.Sources
	msg.RAGInfo = &types.RAGInfo{
		DocumentsFound:   t.rag.DocumentsFound,
		Model:            t.gen.Model,
		ProcessingTimeMS: t.gen.ProcessingTimeMS,
	}
	if err := c.appendMessage(msg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	t.assistant = msg

	c.send(protocol.Frame{
		Type: protocol.TypeAIResponseComplete,
		Payload: protocol.AIResponseCompletePayload{
			MessageID:        msg.ID,
			Text:             msg.Content,
			Sources:          wireSources(t.rag.Sources),
			DocumentsFound:   t.rag.DocumentsFound,
			Model:            t.gen.Model,
			ProcessingTimeMS: t.gen.ProcessingTimeMS,
		},
	})
	return nil
}

// skipSynthesis mutes voice output when the session disabled it, no
// synthesizer is configured, or the user interrupted mid-turn.
func skipSynthesis(t *turn) bool {
	c := t.c
	if c.collab.Synthesizer == nil {
		return true
	}
	if c.session().Metadata.VoiceDisabled {
		return true
	}
	return c.interrupted.Load()
}

func runSynthesize(ctx context.Context, t *turn) error {
	c := t.c
	syn, err := c.collab.Synthesizer.Synthesize(ctx, t.assistant.Content)
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	c.send(protocol.Frame{
		Type: protocol.TypeTTSAudioReady,
		Payload: protocol.TTSAudioReadyPayload{
			AudioB64:          syn.AudioB64,
			VoiceID:           syn.VoiceID,
			DurationEstimateS: syn.DurationEstimateS,
		},
	})
	return nil
}

func emitTTSError(t *turn, err error) {
	t.c.send(protocol.Frame{
		Type:    protocol.TypeTTSError,
		Payload: protocol.TTSErrorPayload{Message: "voice synthesis is temporarily unavailable"},
	})
}

// fail ends the turn with its single terminal error frame.
func (t *turn) fail(message string) {
	t.trace = append(t.trace, TurnFailed)
	t.c.send(protocol.Frame{
		Type:    protocol.TypeProcessingError,
		Payload: protocol.ProcessingErrorPayload{Message: message},
	})
}

func stageFailureMessage(state TurnState) string {
	switch state {
	case TurnTranscribing:
		return "failed to transcribe your audio, please try again"
	case TurnEmbedding, TurnRetrieving:
		return "failed to search your documents, please try again"
	case TurnGenerating:
		return "failed to generate a response, please try again"
	default:
		return "something went wrong processing your message, please try again"
	}
}

// buildPrompt assembles the model input in fixed order: profile, recent
// history, retrieved context, then the current question.
func (t *turn) buildPrompt() string {
	c := t.c
	sess := c.session()

	var b strings.Builder
	if profile := strings.TrimSpace(sess.MedicalProfile); profile != "" {
		b.WriteString("Patient profile:\n")
		b.WriteString(profile)
		b.WriteString("\n\n")
	}

	c.sessMu.Lock()
	history := sess.History
	// The current user message is already appended; it goes in as the
	// question, not as history.
	if n := len(history); n > 0 {
		history = history[:n-1]
	}
	if len(history) > c.cfg.HistoryWindow {
		history = history[len(history)-c.cfg.HistoryWindow:]
	}
	window := make([]types.Message, len(history))
	copy(window, history)
	c.sessMu.Unlock()

	if len(window) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range window {
			b.WriteString(string(msg.Type))
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if t.rag.DocumentsFound > 0 {
		b.WriteString("Relevant medical documents:\n")
		b.WriteString(t.rag.Context)
	}

	b.WriteString("User question: ")
	b.WriteString(t.userText)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
