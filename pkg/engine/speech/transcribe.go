// Package speech holds the voice collaborator clients: transcription of
// accumulated audio, and best-effort text-to-speech.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Transcript is the result of transcribing one assembled audio payload.
type Transcript struct {
	Text       string
	DurationMS int64
	Model      string
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// HTTPTranscriber calls the speech-to-text container's /transcribe
// endpoint with the assembled clip.
type HTTPTranscriber struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPTranscriber(baseURL string) *HTTPTranscriber {
	return NewHTTPTranscriberWithClient(baseURL, nil)
}

func NewHTTPTranscriberWithClient(baseURL string, client *http.Client) *HTTPTranscriber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTranscriber{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: client,
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	body, err := json.Marshal(map[string]any{
		"audio_b64": base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("encode transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return Transcript{}, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcription call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcript{}, fmt.Errorf("transcription call returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Text       string `json:"text"`
		DurationMS int64  `json:"duration_ms"`
		Model      string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return Transcript{Text: out.Text, DurationMS: out.DurationMS, Model: out.Model}, nil
}
