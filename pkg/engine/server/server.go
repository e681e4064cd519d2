// Package server assembles the engine: it builds the store and the
// pipeline collaborators from configuration, mounts the routes, and wraps
// them in the shared middleware chain.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/medchat-go/consult/pkg/engine/auth"
	"github.com/medchat-go/consult/pkg/engine/config"
	"github.com/medchat-go/consult/pkg/engine/handlers"
	"github.com/medchat-go/consult/pkg/engine/lifecycle"
	"github.com/medchat-go/consult/pkg/engine/live/registry"
	"github.com/medchat-go/consult/pkg/engine/live/session"
	"github.com/medchat-go/consult/pkg/engine/llm"
	"github.com/medchat-go/consult/pkg/engine/mw"
	"github.com/medchat-go/consult/pkg/engine/safety"
	"github.com/medchat-go/consult/pkg/engine/speech"
	"github.com/medchat-go/consult/pkg/engine/store"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	sessions  store.SessionStore
	collab    session.Collaborators
	verifier  *auth.Verifier
	registry  *registry.Registry
	lifecycle *lifecycle.Lifecycle

	pg *store.PGStore
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		verifier:  auth.NewVerifier(cfg.JWTSecret),
		registry:  registry.New(logger),
		lifecycle: &lifecycle.Lifecycle{},
	}

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pg, err := store.OpenPG(ctx, cfg.DatabaseURL, cfg.MatchThreshold)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.pg = pg
		s.sessions = pg
		s.collab.Search = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		mem := store.NewMemoryStore()
		s.sessions = mem
		s.collab.Search = store.NewMemorySearcher(cfg.MatchThreshold)
	}

	s.collab.Store = s.sessions
	s.collab.Embedder = llm.NewHTTPEmbedderWithClient(cfg.EmbedBaseURL, httpClient)
	s.collab.Transcriber = speech.NewHTTPTranscriberWithClient(cfg.TranscribeBaseURL, httpClient)
	s.collab.Safety = safety.NewDetector(cfg.EmergencyKeywords)

	switch cfg.GenerationBackend {
	case "openai":
		s.collab.Generator = llm.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	default:
		s.collab.Generator = llm.NewTxAgentGeneratorWithClient(cfg.GenerateBaseURL, httpClient)
	}

	if cfg.ElevenLabsAPIKey != "" {
		s.collab.Synthesizer = speech.NewElevenLabsWithClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, httpClient)
	} else {
		logger.Info("voice synthesis disabled, no elevenlabs key configured")
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
	})

	s.mux.Handle("GET /ws/session/{id}", handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Verifier:  s.verifier,
		Store:     s.sessions,
		Collab:    s.collab,
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Registry() *registry.Registry    { return s.registry }
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// StartSweeper closes idle live connections until ctx is cancelled.
func (s *Server) StartSweeper(ctx context.Context) {
	if s.cfg.IdleSweepInterval <= 0 || s.cfg.IdleTimeout <= 0 {
		return
	}
	go s.registry.Sweep(ctx, s.cfg.IdleSweepInterval, s.cfg.IdleTimeout)
}

// Close releases the database pool, if any.
func (s *Server) Close() {
	if s.pg != nil {
		s.pg.Close()
	}
}
