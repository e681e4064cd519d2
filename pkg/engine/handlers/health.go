package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/medchat-go/consult/pkg/engine/config"
	"github.com/medchat-go/consult/pkg/engine/lifecycle"
	"github.com/medchat-go/consult/pkg/engine/live/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the process should receive traffic: config
// sanity plus the draining flag flipped during graceful shutdown.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		Draining        bool     `json:"draining"`
		LiveConnections int      `json:"live_connections"`
		Backend         string   `json:"backend"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.JWTSecret == "" {
		issues = append(issues, "jwt secret is not configured")
	}
	if h.Config.TopK <= 0 {
		issues = append(issues, "top_k must be > 0")
	}
	if h.Config.MatchThreshold < 0 || h.Config.MatchThreshold > 1 {
		issues = append(issues, "match_threshold must be within [0, 1]")
	}
	if h.Config.MaxAudioBytes <= 0 || h.Config.MaxJSONMessageBytes <= 0 {
		issues = append(issues, "message size limits must be > 0")
	}
	if h.Config.TranscribeTimeout <= 0 || h.Config.EmbedTimeout <= 0 ||
		h.Config.RetrieveTimeout <= 0 || h.Config.GenerateTimeout <= 0 ||
		h.Config.SynthesizeTimeout <= 0 {
		issues = append(issues, "stage timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	liveConnections := 0
	if h.Registry != nil {
		liveConnections = h.Registry.Len()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:              ok,
		Draining:        draining,
		LiveConnections: liveConnections,
		Backend:         h.Config.GenerationBackend,
		Issues:          issues,
	})
}
