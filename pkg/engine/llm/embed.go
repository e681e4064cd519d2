// Package llm holds the embedding and generation collaborator clients used
// by the turn pipeline. Both are thin HTTP clients; there is no retry
// logic here, a failed call is a stage failure.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Embedder turns query text into the vector used for document retrieval.
// The live path has no local fallback: the query embedding has to match the
// dimension of the stored corpus, so a failure fails the turn.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls the biomedical embedding container's /embed endpoint.
type HTTPEmbedder struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPEmbedder(baseURL string) *HTTPEmbedder {
	return NewHTTPEmbedderWithClient(baseURL, nil)
}

func NewHTTPEmbedderWithClient(baseURL string, client *http.Client) *HTTPEmbedder {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: client,
	}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"text":      text,
		"normalize": true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed call returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Embedding  []float32 `json:"embedding"`
		Dimensions int       `json:"dimensions"`
		Model      string    `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embed response carried no vector")
	}
	return out.Embedding, nil
}
