package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/llmux-dev/llmux/internal/auth"
	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/config"
	"github.com/llmux-dev/llmux/internal/cooldown"
	"github.com/llmux-dev/llmux/internal/router"
	"github.com/llmux-dev/llmux/internal/uir"
)

const (
	// networkBackoffStart doubles up to networkBackoffMax between attempts
	// that failed before reaching the upstream.
	networkBackoffStart = time.Second
	networkBackoffMax   = 8 * time.Second
)

// rateLimitFallbacks is the hard-coded model fallback table consulted when
// every account and the router's chain are exhausted.
var rateLimitFallbacks = map[string]string{
	"gemini-3-pro":      "gemini-3-flash",
	"claude-sonnet-4-5": "gemini-3-pro",
	"claude-opus-4-5":   "claude-sonnet-4-5",
	"gpt-5.2-codex":     "gpt-5.1",
}

type forwardOptions struct {
	// source pins the incoming wire format; empty means detect.
	source codec.Format
	// providerOverride bypasses the router.
	providerOverride string
	// modelQuery supplies the model when the body has none (Gemini).
	modelQuery  string
	forceStream bool
}

// forward runs the full request lifecycle: parse, route, and a bounded
// retry loop over accounts, endpoints and fallback models.
func (s *Server) forward(c *gin.Context, opts forwardOptions) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	source := opts.source
	if source == "" {
		source = codec.Detect(body)
	}
	srcCodec := codec.MustFor(source)

	req, err := srcCodec.ParseRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Model == "" {
		req.Model = opts.modelQuery
	}
	clientStream := req.Stream || opts.forceStream
	req.Stream = clientStream
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	routing, providers, amp := s.cfg.Snapshot()
	applyMappingOverrides(req, routing)

	if opts.providerOverride == "" && s.forwardAmp(c, srcCodec, req, amp, clientStream) {
		return
	}

	var route router.Route
	if opts.providerOverride != "" {
		base, _ := router.ParseModelSuffix(req.Model)
		route = router.Route{Provider: opts.providerOverride, UpstreamModel: base}
	} else {
		route, err = s.router.Resolve(req.Model)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	s.runAttempts(c, srcCodec, req, route, routing, providers, clientStream)
}

// applyMappingOverrides applies per-mapping thinking overrides before the
// request leaves in the upstream format.
func applyMappingOverrides(req *uir.Request, routing config.RoutingConfig) {
	mapping, ok := routing.ModelMapping[req.Model]
	if !ok || mapping.Thinking == nil {
		return
	}
	if *mapping.Thinking {
		if req.Thinking == nil {
			req.Thinking = &uir.Thinking{Enabled: true}
		} else {
			req.Thinking.Enabled = true
		}
	} else {
		req.Thinking = nil
	}
}

// attemptState is the mutable loop state shared across retries of one
// logical request.
type attemptState struct {
	route           router.Route
	endpointIndex   int
	projectOverride string
	licenseRetried  bool
	lastStatus      int
	lastBody        []byte
	backoff         time.Duration
}

func (s *Server) runAttempts(
	c *gin.Context,
	srcCodec codec.Codec,
	req *uir.Request,
	route router.Route,
	routing config.RoutingConfig,
	providers map[string]config.ProviderConfig,
	clientStream bool,
) {
	ctx := c.Request.Context()
	state := &attemptState{route: route, backoff: networkBackoffStart}

	for attempt := 0; attempt < routing.MaxRetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		done := s.attempt(c, srcCodec, req, state, routing, providers, clientStream, attempt)
		if done {
			return
		}
	}

	if state.lastBody != nil {
		writeUpstreamError(c, state.lastStatus, state.lastBody)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "all retry attempts failed"})
}

// attempt runs one upstream round trip. It returns true when a terminal
// response was written to the client.
func (s *Server) attempt(
	c *gin.Context,
	srcCodec codec.Codec,
	req *uir.Request,
	state *attemptState,
	routing config.RoutingConfig,
	providers map[string]config.ProviderConfig,
	clientStream bool,
	attemptNo int,
) bool {
	ctx := c.Request.Context()
	provider := state.route.Provider
	upstreamModel := state.route.UpstreamModel

	pcfg, ok := providers[provider]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown provider %q", provider)})
		return true
	}
	creds, err := s.creds.EnsureFresh(ctx, provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return true
	}
	if len(creds) == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("no credentials for provider %q", provider)})
		return true
	}
	accountIndex := s.rotator.NextAvailable(provider, upstreamModel, len(creds))
	if accountIndex < 0 {
		reset := s.rotator.ResetTime(provider, upstreamModel, len(creds))
		return s.handleAllAccountsLimited(c, req, state, routing, reset)
	}

	log := logrus.WithFields(logrus.Fields{
		"provider": provider,
		"model":    upstreamModel,
		"account":  accountIndex,
		"attempt":  attemptNo,
	})

	upCodec := codec.MustFor(providerFormat(pcfg))
	emitModel := upstreamModel
	if alias, ok := pcfg.ModelAliases[upstreamModel]; ok {
		emitModel = alias
	}
	if pcfg.DisableThinking {
		req.Thinking = nil
	}

	outBody, err := s.buildUpstreamBody(ctx, upCodec, req, emitModel, pcfg, creds[accountIndex], state)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return true
	}

	url := s.upstreamURL(pcfg, state.endpointIndex, upCodec.Format(), emitModel, req.Stream)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(outBody))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return true
	}
	s.setUpstreamHeaders(httpReq, c, upCodec.Format(), pcfg, creds[accountIndex], req.Stream)

	res, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.WithError(err).Warn("upstream request failed, backing off")
		sleepCtx(ctx, state.backoff)
		state.backoff = minDuration(state.backoff*2, networkBackoffMax)
		return false
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		project := pcfg.Project
		if creds[accountIndex].ProjectID != "" {
			project = creds[accountIndex].ProjectID
		}
		if state.projectOverride != "" {
			project = state.projectOverride
		}
		s.relay(c, srcCodec, upCodec, req, res, clientStream, upstreamInfo{
			provider:  provider,
			endpoint:  url,
			account:   accountIndex,
			projectID: project,
		})
		return true
	}

	resBody, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	res.Body.Close()
	state.lastStatus = res.StatusCode
	state.lastBody = resBody

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		retryAfter := cooldown.ParseRetryAfter(res.Header.Get("Retry-After"), resBody)
		s.rotator.MarkRateLimited(provider, upstreamModel, accountIndex, retryAfter)
		if pcfg.Kind == "antigravity" && state.endpointIndex+1 < len(pcfg.Endpoints) {
			state.endpointIndex++
			log.Info("rate limited, rotating antigravity endpoint")
			return false
		}
		if s.rotator.AllRateLimited(provider, upstreamModel, len(creds)) {
			return s.handleAllAccountsLimited(c, req, state, routing, retryAfter)
		}
		// Another account is still available; rotate without waiting.
		return false

	case pcfg.Kind == "antigravity" &&
		(res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusBadRequest) &&
		isLicenseError(resBody):
		if !state.licenseRetried {
			state.licenseRetried = true
			state.projectOverride = defaultAntigravityProject
			log.Info("license error, retrying with default project")
			return false
		}
		state.endpointIndex = (state.endpointIndex + 1) % maxInt(len(pcfg.Endpoints), 1)
		log.Info("license error persisted, rotating endpoint")
		return false

	case res.StatusCode >= 500 && pcfg.Kind == "antigravity":
		state.endpointIndex = (state.endpointIndex + 1) % maxInt(len(pcfg.Endpoints), 1)
		log.WithField("status", res.StatusCode).Info("upstream error, rotating endpoint")
		return false

	default:
		writeUpstreamError(c, res.StatusCode, resBody)
		return true
	}
}

// handleAllAccountsLimited marks the model cooled down and, unless
// rotation on 429 is disabled, walks router fallbacks, the legacy
// provider order and the hard-coded table before giving up with a 429.
func (s *Server) handleAllAccountsLimited(
	c *gin.Context,
	req *uir.Request,
	state *attemptState,
	routing config.RoutingConfig,
	retryAfter time.Duration,
) bool {
	s.router.HandleRateLimit(req.Model, retryAfter)
	s.cooldowns.MarkRateLimited(router.ModelKey(state.route.Provider, state.route.UpstreamModel), retryAfter)

	if routing.RotateOn429Enabled() {
		if next, err := s.router.Resolve(req.Model); err == nil {
			if next.Provider != state.route.Provider || next.UpstreamModel != state.route.UpstreamModel {
				state.route = next
				state.endpointIndex = 0
				return false
			}
		}
		if next, ok := s.legacyRotate(routing.FallbackOrder, state.route); ok {
			logrus.WithFields(logrus.Fields{"model": req.Model, "provider": next.Provider}).
				Info("all accounts limited, rotating provider")
			state.route = next
			state.endpointIndex = 0
			return false
		}
		if fallback, ok := rateLimitFallbacks[req.Model]; ok && fallback != req.Model {
			if next, err := s.router.Resolve(fallback); err == nil {
				logrus.WithFields(logrus.Fields{"model": req.Model, "fallback": fallback}).
					Info("all accounts limited, using hard fallback")
				req.Model = fallback
				state.route = next
				state.endpointIndex = 0
				return false
			}
		}
	}

	if retryAfter > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds()+0.5)))
	}
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "all accounts are rate limited"})
	return true
}

// legacyRotate walks the configured provider order and returns the first
// configured provider, other than the current one, whose cool-down key
// for the upstream model is clear.
func (s *Server) legacyRotate(order []string, current router.Route) (router.Route, bool) {
	for _, name := range order {
		if name == current.Provider {
			continue
		}
		if _, ok := s.cfg.Provider(name); !ok {
			continue
		}
		if !s.cooldowns.IsAvailable(router.ModelKey(name, current.UpstreamModel)) {
			continue
		}
		return router.Route{Provider: name, UpstreamModel: current.UpstreamModel}, true
	}
	return router.Route{}, false
}

// buildUpstreamBody transforms the unified request and applies
// provider-specific fixes.
func (s *Server) buildUpstreamBody(
	ctx context.Context,
	upCodec codec.Codec,
	req *uir.Request,
	emitModel string,
	pcfg config.ProviderConfig,
	cred auth.Credential,
	state *attemptState,
) ([]byte, error) {
	switch pcfg.Kind {
	case "openai-web":
		return s.buildCodexBody(ctx, req, emitModel)
	case "antigravity":
		body, err := upCodec.TransformRequest(req, emitModel)
		if err != nil {
			return nil, err
		}
		return s.applyAntigravityFixes(body, emitModel, pcfg, cred, state)
	default:
		return upCodec.TransformRequest(req, emitModel)
	}
}

func (s *Server) setUpstreamHeaders(
	httpReq *http.Request,
	c *gin.Context,
	format codec.Format,
	pcfg config.ProviderConfig,
	cred auth.Credential,
	stream bool,
) {
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	switch format {
	case codec.FormatAnthropic:
		httpReq.Header.Set("x-api-key", cred.Token())
		httpReq.Header.Set("anthropic-version", "2023-06-01")
		// Anthropic-only beta headers pass through except where the
		// provider does not support them.
		if pcfg.Kind != "opencode-zen" {
			if beta := c.GetHeader("anthropic-beta"); beta != "" {
				httpReq.Header.Set("anthropic-beta", beta)
			}
		}
	case codec.FormatGemini:
		httpReq.Header.Set("x-goog-api-key", cred.Token())
	default:
		httpReq.Header.Set("Authorization", "Bearer "+cred.Token())
	}
	for key, value := range pcfg.Headers {
		httpReq.Header.Set(key, value)
	}
}

// upstreamURL builds the endpoint URL for the provider's wire format.
func (s *Server) upstreamURL(pcfg config.ProviderConfig, endpointIndex int, format codec.Format, model string, stream bool) string {
	base := pcfg.BaseURL
	if len(pcfg.Endpoints) > 0 {
		if endpointIndex >= len(pcfg.Endpoints) {
			endpointIndex = 0
		}
		base = pcfg.Endpoints[endpointIndex]
	}
	base = strings.TrimRight(base, "/")
	switch format {
	case codec.FormatOpenAIChat:
		return base + "/chat/completions"
	case codec.FormatOpenAIResponses:
		return base + "/responses"
	case codec.FormatAnthropic:
		return base + "/messages"
	case codec.FormatGemini:
		verb := "generateContent"
		if stream {
			verb = "streamGenerateContent?alt=sse"
		}
		return fmt.Sprintf("%s/models/%s:%s", base, model, verb)
	}
	return base
}

func providerFormat(pcfg config.ProviderConfig) codec.Format {
	if pcfg.Format == "" {
		return codec.FormatOpenAIChat
	}
	return codec.Format(pcfg.Format)
}

// writeUpstreamError returns the upstream body verbatim when it is JSON
// and wraps it otherwise.
func writeUpstreamError(c *gin.Context, status int, body []byte) {
	if status == 0 {
		status = http.StatusBadGateway
	}
	if json.Valid(body) {
		c.Data(status, "application/json", body)
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": strings.TrimSpace(string(body))})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
