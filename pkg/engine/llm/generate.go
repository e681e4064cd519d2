package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Generation is the outcome of one generation call.
type Generation struct {
	Text             string
	Model            string
	TokensUsed       int
	ProcessingTimeMS int64
}

// Generator produces the assistant reply from an already-augmented prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (*Generation, error)
}

// TxAgentGenerator calls the biomedical model container's /chat endpoint.
type TxAgentGenerator struct {
	baseURL    string
	httpClient *http.Client
}

func NewTxAgentGenerator(baseURL string) *TxAgentGenerator {
	return NewTxAgentGeneratorWithClient(baseURL, nil)
}

func NewTxAgentGeneratorWithClient(baseURL string, client *http.Client) *TxAgentGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &TxAgentGenerator{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: client,
	}
}

func (g *TxAgentGenerator) Name() string { return "txagent" }

func (g *TxAgentGenerator) Generate(ctx context.Context, prompt string) (*Generation, error) {
	start := time.Now()

	body, err := json.Marshal(map[string]any{
		"query":       prompt,
		"temperature": 0.7,
		"stream":      false,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("generation call returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Response   string `json:"response"`
		Model      string `json:"model"`
		TokensUsed int    `json:"tokens_used"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return nil, fmt.Errorf("generation response was empty")
	}

	return &Generation{
		Text:             out.Response,
		Model:            out.Model,
		TokensUsed:       out.TokensUsed,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}, nil
}
