package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPEmbedderRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embed" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Text      string `json:"text"`
			Normalize bool   `json:"normalize"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "cholesterol" || !req.Normalize {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding":  []float32{0.1, 0.2, 0.3},
			"dimensions": 3,
			"model":      "biobert",
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL)
	vec, err := e.Embed(context.Background(), "cholesterol")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestHTTPEmbedderRejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL)
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for empty embedding")
	}
}

func TestHTTPEmbedderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL)
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestTxAgentGeneratorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Query       string  `json:"query"`
			Temperature float64 `json:"temperature"`
			Stream      bool    `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query == "" || req.Temperature != 0.7 || req.Stream {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response":    "Your LDL is elevated.",
			"model":       "txagent-10b",
			"tokens_used": 42,
		})
	}))
	defer srv.Close()

	g := NewTxAgentGenerator(srv.URL)
	gen, err := g.Generate(context.Background(), "User question: what is my LDL?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Text != "Your LDL is elevated." || gen.Model != "txagent-10b" || gen.TokensUsed != 42 {
		t.Fatalf("generation = %+v", gen)
	}
}

func TestTxAgentGeneratorRejectsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "   "})
	}))
	defer srv.Close()

	g := NewTxAgentGenerator(srv.URL)
	if _, err := g.Generate(context.Background(), "q"); err == nil {
		t.Fatalf("expected error for blank response")
	}
}

func TestGeneratorHonorsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	g := NewTxAgentGenerator(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Generate(ctx, "q"); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
