package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeAudioChunk(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte("pcm"))
	frame := []byte(`{"type":"audio_chunk","payload":{"chunk_id":"c7","data_b64":"` + data + `"}}`)

	decoded, err := DecodeClientFrame(frame)
	if err != nil {
		t.Fatalf("DecodeClientFrame: %v", err)
	}
	chunk, ok := decoded.(AudioChunk)
	if !ok {
		t.Fatalf("decoded %T, want AudioChunk", decoded)
	}
	if chunk.ChunkID != "c7" || string(chunk.Data) != "pcm" {
		t.Fatalf("chunk = %+v", chunk)
	}
}

func TestDecodeAudioChunkRequiresData(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`{"type":"audio_chunk","payload":{"chunk_id":"c1"}}`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if decodeErr.Param != "payload.data_b64" {
		t.Fatalf("param = %q", decodeErr.Param)
	}
}

func TestDecodeAudioFinalAllowsEmptyPayload(t *testing.T) {
	decoded, err := DecodeClientFrame([]byte(`{"type":"audio_final"}`))
	if err != nil {
		t.Fatalf("DecodeClientFrame: %v", err)
	}
	final, ok := decoded.(AudioFinal)
	if !ok {
		t.Fatalf("decoded %T, want AudioFinal", decoded)
	}
	if len(final.Data) != 0 {
		t.Fatalf("final.Data = %v, want empty", final.Data)
	}
}

func TestDecodeRejectsBadBase64(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`{"type":"audio_chunk","payload":{"data_b64":"@@not-base64@@"}}`))
	if err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestDecodeTextMessage(t *testing.T) {
	decoded, err := DecodeClientFrame([]byte(`{"type":"text_message","payload":{"text":"hi there"}}`))
	if err != nil {
		t.Fatalf("DecodeClientFrame: %v", err)
	}
	msg, ok := decoded.(TextMessage)
	if !ok || msg.Text != "hi there" {
		t.Fatalf("decoded = %#v", decoded)
	}
}

func TestDecodeTextMessageRequiresText(t *testing.T) {
	for _, frame := range []string{
		`{"type":"text_message"}`,
		`{"type":"text_message","payload":{"text":"   "}}`,
	} {
		if _, err := DecodeClientFrame([]byte(frame)); err == nil {
			t.Fatalf("expected error for %s", frame)
		}
	}
}

func TestDecodeControlFrames(t *testing.T) {
	if decoded, err := DecodeClientFrame([]byte(`{"type":"interrupt_ai"}`)); err != nil {
		t.Fatalf("interrupt_ai: %v", err)
	} else if _, ok := decoded.(Interrupt); !ok {
		t.Fatalf("decoded %T, want Interrupt", decoded)
	}
	if decoded, err := DecodeClientFrame([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("ping: %v", err)
	} else if _, ok := decoded.(Ping); !ok {
		t.Fatalf("decoded %T, want Ping", decoded)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`{"type":"telepathy"}`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if !decodeErr.UnknownType() {
		t.Fatalf("UnknownType() = false for %v", decodeErr)
	}
}

func TestDecodeRejectsInvalidJSONAndMissingType(t *testing.T) {
	for _, frame := range []string{`{{{`, `{}`, `{"type":"  "}`} {
		if _, err := DecodeClientFrame([]byte(frame)); err == nil {
			t.Fatalf("expected error for %s", frame)
		}
	}
}

func TestFrameEnvelopeEncoding(t *testing.T) {
	frame := Frame{
		Type:    TypeProcessingStarted,
		Payload: ProcessingStartedPayload{Stage: StageAIGeneration},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Type    string `json:"type"`
		Payload struct {
			Stage string `json:"stage"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "processing_started" || decoded.Payload.Stage != "ai_generation" {
		t.Fatalf("wire form = %s", data)
	}
}
