// Package protocol defines the WebSocket frame schema of the live
// conversation transport. Every frame on the wire is an envelope of
// {type, payload}; inbound frames decode into a discriminated union of
// typed values.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound frame types.
const (
	TypeAudioChunk  = "audio_chunk"
	TypeAudioFinal  = "audio_final"
	TypeTextMessage = "text_message"
	TypeInterruptAI = "interrupt_ai"
	TypePing        = "ping"
)

// Outbound frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeConnectionError       = "connection_error"
	TypeAudioChunkReceived    = "audio_chunk_received"
	TypeTranscriptionComplete = "transcription_complete"
	TypeProcessingStarted     = "processing_started"
	TypeRAGComplete           = "rag_complete"
	TypeAIResponseComplete    = "ai_response_complete"
	TypeEmergencyDetected     = "emergency_detected"
	TypeProcessingError       = "processing_error"
	TypeTTSAudioReady         = "tts_audio_ready"
	TypeTTSError              = "tts_error"
	TypeAIInterrupted         = "ai_interrupted"
	TypePong                  = "pong"
)

// Pipeline stage tags carried by processing_started frames.
const (
	StageTranscription = "transcription"
	StageRAGRetrieval  = "rag_retrieval"
	StageAIGeneration  = "ai_generation"
)

// DecodeError describes a malformed or unsupported inbound frame. The
// connection survives these; the frame is logged and dropped.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// UnknownType marks a syntactically valid frame whose type the engine does
// not recognize.
func (e *DecodeError) UnknownType() bool {
	return e != nil && e.Code == "unknown_type"
}

// AudioChunk carries one streamed slice of a voice clip. Data is already
// base64-decoded.
type AudioChunk struct {
	ChunkID string
	Data    []byte
}

// AudioFinal closes out an utterance. Data may carry the whole clip when
// the client skipped chunking.
type AudioFinal struct {
	ChunkID string
	Data    []byte
}

type TextMessage struct {
	Text string
}

type Interrupt struct{}

type Ping struct{}

type audioPayload struct {
	ChunkID string `json:"chunk_id"`
	DataB64 string `json:"data_b64"`
}

// DecodeClientFrame parses one inbound frame into its typed value.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAudioChunk:
		payload, err := decodeAudioPayload(envelope.Payload, true)
		if err != nil {
			return nil, err
		}
		return AudioChunk{ChunkID: payload.ChunkID, Data: payload.data}, nil
	case TypeAudioFinal:
		payload, err := decodeAudioPayload(envelope.Payload, false)
		if err != nil {
			return nil, err
		}
		return AudioFinal{ChunkID: payload.ChunkID, Data: payload.data}, nil
	case TypeTextMessage:
		var payload struct {
			Text string `json:"text"`
		}
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				return nil, badRequest("invalid text_message payload", "payload")
			}
		}
		if strings.TrimSpace(payload.Text) == "" {
			return nil, badRequest("text_message.text is required", "payload.text")
		}
		return TextMessage{Text: payload.Text}, nil
	case TypeInterruptAI:
		return Interrupt{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, &DecodeError{Code: "unknown_type", Message: "unrecognized message type", Param: "type"}
	}
}

type decodedAudio struct {
	ChunkID string
	data    []byte
}

func decodeAudioPayload(raw json.RawMessage, dataRequired bool) (decodedAudio, error) {
	var payload audioPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodedAudio{}, badRequest("invalid audio payload", "payload")
		}
	}
	trimmed := strings.TrimSpace(payload.DataB64)
	if trimmed == "" {
		if dataRequired {
			return decodedAudio{}, badRequest("audio payload.data_b64 is required", "payload.data_b64")
		}
		return decodedAudio{ChunkID: payload.ChunkID}, nil
	}
	data, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return decodedAudio{}, badRequest("audio payload.data_b64 is not valid base64", "payload.data_b64")
	}
	return decodedAudio{ChunkID: payload.ChunkID, data: data}, nil
}

// Frame is the outbound envelope. Payload values are the typed structs
// below so tests can assert on them directly.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type ConnectionEstablishedPayload struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ConnectionErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AudioChunkReceivedPayload struct {
	ChunkID       string `json:"chunk_id,omitempty"`
	BufferedBytes int64  `json:"buffered_bytes"`
}

type TranscriptionCompletePayload struct {
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type ProcessingStartedPayload struct {
	Stage string `json:"stage"`
}

type RAGCompletePayload struct {
	DocumentsFound int      `json:"documents_found"`
	Sources        []Source `json:"sources"`
}

type Source struct {
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

type AIResponseCompletePayload struct {
	MessageID        string   `json:"message_id"`
	Text             string   `json:"text"`
	Sources          []Source `json:"sources"`
	DocumentsFound   int      `json:"documents_found"`
	Model            string   `json:"model,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

type EmergencyDetectedPayload struct {
	Keywords []string `json:"keywords"`
	Message  string   `json:"message"`
}

type ProcessingErrorPayload struct {
	Message string `json:"message"`
}

type TTSAudioReadyPayload struct {
	AudioB64          string `json:"audio_b64"`
	VoiceID           string `json:"voice_id,omitempty"`
	DurationEstimateS int    `json:"duration_estimate_s"`
}

type TTSErrorPayload struct {
	Message string `json:"message"`
}

type AIInterruptedPayload struct {
	TimestampMS int64 `json:"timestamp_ms"`
}

type PongPayload struct {
	TimestampMS int64 `json:"timestamp_ms"`
}
