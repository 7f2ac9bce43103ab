// Package sidecar implements the local HTTP endpoint that receives
// chat-completion requests addressed to a virtual model, routes them through
// the classifier and decision engine, and forwards the provider-bound
// request while streaming the response back unchanged.
package sidecar

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jordanhubbard/slimclaw/internal/abtest"
	"github.com/jordanhubbard/slimclaw/internal/budget"
	"github.com/jordanhubbard/slimclaw/internal/classifier"
	"github.com/jordanhubbard/slimclaw/internal/latency"
	"github.com/jordanhubbard/slimclaw/internal/pricing"
	"github.com/jordanhubbard/slimclaw/internal/providers"
	"github.com/jordanhubbard/slimclaw/internal/routing"
	"github.com/jordanhubbard/slimclaw/internal/vmodel"
)

// approxCharsPerToken is the divisor used for the best-effort output-token
// estimate from streamed bytes: no tokenizer is wired in, so this mirrors
// the common ~4-chars-per-token rule of thumb.
const approxCharsPerToken = 4

// Observer receives per-request outcomes for wiring into a metrics
// collector. None of its methods is called when Handler.Metrics is nil.
type Observer interface {
	ObserveRouted(tier string, model string, provider string, status int, confidence float64)
	ObserveBudgetBlocked(tier string)
	ObserveABAssignment(experimentID, variantID string)
}

// Handler composes the classifier, routing engine, and forwarder behind the
// sidecar's public HTTP surface.
type Handler struct {
	RoutingConfig routing.Config
	Credentials   providers.CredentialsMap
	Client        *http.Client
	Timeout       time.Duration

	Budget  *budget.Tracker
	ABTest  *abtest.Manager
	Latency *latency.Tracker
	Pricing pricing.Resolver

	Logger  *slog.Logger
	Metrics Observer
}

// Routes mounts the sidecar's endpoints onto r. chatMiddleware (rate
// limiting) wraps only the chat-completion route: health probes and admin
// reads stay unthrottled.
func (h *Handler) Routes(r chi.Router, chatMiddleware ...func(http.Handler) http.Handler) {
	r.Get("/health", h.handleHealth)
	r.Get("/admin/v1/routing/state", h.handleAdminState)
	r.Group(func(gr chi.Router) {
		gr.Use(chatMiddleware...)
		gr.Post("/v1/chat/completions", h.handleChatCompletions)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAdminState is a read-only introspection endpoint: a JSON dump of
// budget spend, active A/B experiments, and per-model latency stats. No
// request bodies are exposed.
func (h *Handler) handleAdminState(w http.ResponseWriter, r *http.Request) {
	state := map[string]any{}
	if h.Budget != nil {
		state["budget"] = h.Budget.Serialize()
	}
	if h.ABTest != nil {
		var active []abtest.Experiment
		for _, exp := range h.ABTest.ListExperiments() {
			if exp.Status == abtest.StatusActive {
				active = append(active, exp)
			}
		}
		state["experiments"] = active
	}
	if h.Latency != nil {
		state["latency"] = h.Latency.GetAllLatencyStats()
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerOr()

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}

	req, err := parseChatRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if _, err := vmodel.Parse(req.Model); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if !vmodel.IsVirtual(req.Model) {
		writeError(w, http.StatusInternalServerError, "model is not a routable virtual model: "+req.Model, nil)
		return
	}
	if req.Model != vmodel.AutoModel {
		writeError(w, http.StatusInternalServerError, "unsupported virtual model: "+req.Model, nil)
		return
	}

	runID := r.Header.Get("X-Request-ID")
	if runID == "" {
		// Same fallback as the request logger, so the logged run_id matches.
		runID = middleware.GetReqID(ctx)
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	classification := classifier.Classify(toClassifierMessages(req.Messages))

	reqCtx := routing.RequestContext{
		OriginalModel:  req.Model,
		PinnedHeaderID: r.Header.Get("X-Model-Pinned"),
	}
	routingCfg := h.RoutingConfig
	if v := r.Header.Get("X-Reasoning-Budget-Tokens"); v != "" {
		if n := parsePositiveInt(v); n > 0 {
			routingCfg.ReasoningBudget = n
		}
	}

	decision := routing.MakeRoutingDecision(classification, routingCfg, reqCtx, runID, routing.Services{
		Budget:  h.Budget,
		ABTest:  h.ABTest,
		Pricing: h.Pricing,
	})

	if h.Metrics != nil {
		h.Metrics.ObserveRouted(string(classification.Tier), decision.Model, decision.Provider, 0, classification.Confidence)
		if decision.AB != nil {
			h.Metrics.ObserveABAssignment(decision.AB.ExperimentID, decision.AB.Variant.ID)
		}
	}

	if decision.Reason == routing.ReasonRoutingDisabled && decision.Budget != nil && !decision.Budget.Allowed {
		if h.Metrics != nil {
			h.Metrics.ObserveBudgetBlocked(string(classification.Tier))
		}
		writeError(w, http.StatusTooManyRequests, "budget exceeded for tier "+string(classification.Tier), decision.Budget)
		return
	}

	creds, err := h.Credentials.Lookup(decision.Provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	outgoing := buildOutgoingBody(req.Raw, decision)

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	fctx, cancel := context.WithTimeout(providers.WithRequestID(ctx, runID), timeout)
	defer cancel()

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	upstream, err := providers.PostChatCompletion(fctx, client, creds, outgoing, decision.Headers)
	if err != nil {
		if fctx.Err() == context.DeadlineExceeded {
			writeError(w, http.StatusGatewayTimeout, "upstream request timed out", nil)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream request failed: "+err.Error(), nil)
		return
	}
	defer upstream.Body.Close()

	if ct := upstream.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(upstream.StatusCode)
	bytesCopied, copyErr := streamCopy(w, upstream.Body)
	if copyErr != nil {
		logger.Warn("stream copy error", slog.String("error", copyErr.Error()), slog.String("run_id", runID))
	}

	if h.Latency != nil {
		estimatedTokens := int(bytesCopied / approxCharsPerToken)
		h.Latency.RecordLatency(decision.Model, float64(time.Since(start).Milliseconds()), estimatedTokens)
	}
}

func (h *Handler) loggerOr() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func parsePositiveInt(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeError(w http.ResponseWriter, status int, message string, budgetCheck *budget.CheckResult) {
	envelope := map[string]any{"error": message}
	if budgetCheck != nil {
		envelope["budget"] = budgetCheck
	}
	writeJSON(w, status, envelope)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
