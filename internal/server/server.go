// Package server is the HTTP surface and request orchestrator: it detects
// the incoming wire format, translates to the upstream provider's format,
// runs the bounded retry loop with account rotation and cool-down-aware
// fallbacks, and pipes streams back in the caller's format.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llmux-dev/llmux/internal/auth"
	_ "github.com/llmux-dev/llmux/internal/codec/anthropic"
	_ "github.com/llmux-dev/llmux/internal/codec/gemini"
	_ "github.com/llmux-dev/llmux/internal/codec/openaichat"
	_ "github.com/llmux-dev/llmux/internal/codec/openairesponses"
	"github.com/llmux-dev/llmux/internal/config"
	"github.com/llmux-dev/llmux/internal/cooldown"
	"github.com/llmux-dev/llmux/internal/promptcache"
	"github.com/llmux-dev/llmux/internal/rotation"
	"github.com/llmux-dev/llmux/internal/router"
	"github.com/llmux-dev/llmux/internal/sigstore"
)

// codexTemplateSource is the public versioned source for Codex
// instruction templates.
const (
	codexTemplateSource = "https://raw.githubusercontent.com/openai/codex/refs/tags"
	codexTemplateTag    = "rust-v0.56.0"
)

// Server wires the shared components behind the gin engine. Cool-downs,
// the rotator, the signature store and the prompt cache are process-wide;
// everything request-scoped lives on the stack of the handling goroutine.
type Server struct {
	cfg       *config.Config
	cooldowns *cooldown.Manager
	rotator   *rotation.Rotator
	router    *router.Router
	creds     *auth.Store
	sigs      *sigstore.Store
	prompts   *promptcache.Cache
	jwt       *auth.JWTManager

	client *http.Client
	engine *gin.Engine
	http   *http.Server
}

// New assembles a server from the loaded config. dataDir holds auth.json,
// the signature database and the template cache.
func New(cfg *config.Config, dataDir string) (*Server, error) {
	cooldowns := cooldown.NewManager()
	sigs, err := sigstore.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open signature store: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		cooldowns: cooldowns,
		rotator:   rotation.NewRotator(cooldowns),
		creds:     auth.NewStore(dataDir, nil),
		sigs:      sigs,
		prompts:   promptcache.New(filepath.Join(dataDir, "cache"), codexTemplateSource, codexTemplateTag),
		client: &http.Client{
			// Streaming bodies are unbounded; the per-attempt start
			// deadline is enforced via request contexts instead.
			Timeout: 0,
		},
	}
	if cfg.Server.JWTSecret != "" {
		s.jwt = auth.NewJWTManager(cfg.Server.JWTSecret)
	}
	s.rebuildRouter(cfg)
	s.engine = s.buildEngine()
	return s, nil
}

// rebuildRouter swaps the routing table; called at startup and from the
// config watcher on reload.
func (s *Server) rebuildRouter(cfg *config.Config) {
	routing, _, _ := cfg.Snapshot()
	mappings := make(map[string]router.Mapping, len(routing.ModelMapping))
	for requested, m := range routing.ModelMapping {
		upstream := m.UpstreamModel
		if upstream == "" {
			upstream = requested
		}
		mappings[requested] = router.Mapping{
			Provider:      m.Provider,
			UpstreamModel: upstream,
			Fallbacks:     m.Fallbacks,
		}
	}
	s.router = router.NewRouter(mappings, routing.DefaultProvider, nil, s.cooldowns)
}

// OnConfigReload is the watcher callback.
func (s *Server) OnConfigReload(cfg *config.Config) {
	s.rebuildRouter(cfg)
	logrus.Info("routing table rebuilt from config")
}

func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())
	if s.cfg.Server.CORS {
		engine.Use(corsMiddleware())
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/providers", s.managementGuard(), s.handleProviders)
	engine.GET("/models", s.managementGuard(), s.handleModels)

	v1 := engine.Group("/v1")
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/messages", s.handleMessages)
	v1.POST("/generateContent", s.handleGenerateContent)
	v1.POST("/streamGenerateContent", s.handleStreamGenerateContent)
	v1.POST("/responses", s.handleResponses)
	v1.POST("/proxy", s.handleProxy)
	return engine
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until ctx is canceled, then drains with a shutdown deadline.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Hostname, s.cfg.Server.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
