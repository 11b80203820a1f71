package server

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llmux-dev/llmux/internal/auth"
	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/config"
	"github.com/llmux-dev/llmux/internal/uir"
)

// forwardAmp handles upstream-proxy mode: requests for models listed in
// amp.modelMappings bypass the router entirely and go to the configured
// amp upstream in the caller's own wire format, with the model rewritten
// and the amp API key attached. Returns false when the request does not
// match, so normal routing takes over.
func (s *Server) forwardAmp(
	c *gin.Context,
	srcCodec codec.Codec,
	req *uir.Request,
	amp config.AmpConfig,
	clientStream bool,
) bool {
	if !amp.Enabled || amp.UpstreamURL == "" {
		return false
	}
	mapped, ok := amp.ModelMappings[req.Model]
	if !ok {
		return false
	}
	if mapped == "" {
		mapped = req.Model
	}

	ctx := c.Request.Context()
	body, err := srcCodec.TransformRequest(req, mapped)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return true
	}

	pcfg := config.ProviderConfig{BaseURL: amp.UpstreamURL, Format: string(srcCodec.Format())}
	url := s.upstreamURL(pcfg, 0, srcCodec.Format(), mapped, req.Stream)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return true
	}
	cred := auth.Credential{Type: auth.CredentialAPI, APIKey: amp.UpstreamAPIKey}
	s.setUpstreamHeaders(httpReq, c, srcCodec.Format(), pcfg, cred, req.Stream)

	logrus.WithFields(logrus.Fields{"model": req.Model, "upstream": mapped}).
		Debug("proxying to amp upstream")

	res, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return true
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		resBody, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()
		writeUpstreamError(c, res.StatusCode, resBody)
		return true
	}

	s.relay(c, srcCodec, srcCodec, req, res, clientStream, upstreamInfo{
		provider: "amp",
		endpoint: url,
	})
	return true
}
