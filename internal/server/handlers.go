package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/llmux-dev/llmux/internal/codec"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProviders(c *gin.Context) {
	names := s.cfg.ProviderNames()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"providers": names})
}

// handleModels lists mapped models and active mappings.
func (s *Server) handleModels(c *gin.Context) {
	mappings := s.router.Mappings()

	type modelEntry struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
	}
	data := make([]modelEntry, 0, len(mappings))
	flat := make(map[string]string, len(mappings))
	for requested, m := range mappings {
		data = append(data, modelEntry{ID: requested, Provider: m.Provider})
		if m.UpstreamModel != requested {
			flat[requested] = m.UpstreamModel
		}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	providers := s.cfg.ProviderNames()
	sort.Strings(providers)

	out := gin.H{
		"object":    "list",
		"data":      data,
		"providers": providers,
	}
	if len(flat) > 0 {
		out["mappings"] = flat
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.forward(c, forwardOptions{source: codec.FormatOpenAIChat})
}

func (s *Server) handleMessages(c *gin.Context) {
	s.forward(c, forwardOptions{source: codec.FormatAnthropic})
}

func (s *Server) handleGenerateContent(c *gin.Context) {
	s.forward(c, forwardOptions{source: codec.FormatGemini, modelQuery: c.Query("model")})
}

func (s *Server) handleStreamGenerateContent(c *gin.Context) {
	s.forward(c, forwardOptions{
		source:      codec.FormatGemini,
		modelQuery:  c.Query("model"),
		forceStream: true,
	})
}

func (s *Server) handleResponses(c *gin.Context) {
	s.forward(c, forwardOptions{source: codec.FormatOpenAIResponses})
}

// handleProxy is the explicit passthrough: from/to select the formats,
// model overrides the body's model.
func (s *Server) handleProxy(c *gin.Context) {
	opts := forwardOptions{modelQuery: c.Query("model")}
	if from := c.Query("from"); from != "" {
		format := codec.Format(from)
		if _, err := codec.For(format); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source format " + from})
			return
		}
		opts.source = format
	}
	if to := c.Query("to"); to != "" {
		if _, ok := s.cfg.Provider(to); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider " + to})
			return
		}
		opts.providerOverride = to
	}
	s.forward(c, opts)
}
