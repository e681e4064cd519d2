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
	"unicode/utf8"
)

const elevenLabsDefaultBaseURL = "https://api.elevenlabs.io"

// Synthesis is the reference handed back to the client when a spoken
// rendering of the assistant reply is ready.
type Synthesis struct {
	AudioB64          string
	VoiceID           string
	DurationEstimateS int
}

// Synthesizer renders assistant text as audio. Failures here never fail a
// turn; the text response stands on its own.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Synthesis, error)
}

type ElevenLabsSynthesizer struct {
	apiKey     string
	voiceID    string
	baseURL    string
	httpClient *http.Client
}

func NewElevenLabs(apiKey, voiceID string) *ElevenLabsSynthesizer {
	return NewElevenLabsWithClient(apiKey, voiceID, nil)
}

func NewElevenLabsWithClient(apiKey, voiceID string, client *http.Client) *ElevenLabsSynthesizer {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsSynthesizer{
		apiKey:     strings.TrimSpace(apiKey),
		voiceID:    strings.TrimSpace(voiceID),
		baseURL:    elevenLabsDefaultBaseURL,
		httpClient: client,
	}
}

func (e *ElevenLabsSynthesizer) WithBaseURL(base string) *ElevenLabsSynthesizer {
	if e == nil {
		return e
	}
	base = strings.TrimSpace(base)
	if base != "" {
		e.baseURL = strings.TrimRight(base, "/")
	}
	return e
}

func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (*Synthesis, error) {
	if e == nil || e.apiKey == "" {
		return nil, fmt.Errorf("voice generation service is not configured")
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_monolingual_v1",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, e.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis call returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis returned no audio")
	}

	return &Synthesis{
		AudioB64:          base64.StdEncoding.EncodeToString(audio),
		VoiceID:           e.voiceID,
		DurationEstimateS: EstimateDuration(text),
	}, nil
}

// EstimateDuration approximates playback length at roughly ten characters
// per second, never below one second.
func EstimateDuration(text string) int {
	n := utf8.RuneCountInString(text) / 10
	if n < 1 {
		n = 1
	}
	return n
}
