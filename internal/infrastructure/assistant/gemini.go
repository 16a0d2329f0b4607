// Package assistant talks to the hosted text model behind the board
// assistant.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"boardnet/internal/core/ports"
	"boardnet/pkg/circuitbreaker"
	apperrors "boardnet/pkg/errors"
	"boardnet/pkg/retry"
	"boardnet/pkg/tracing"

	"go.uber.org/zap"
)

type Config struct {
	Endpoint         string // base URL, e.g. https://generativelanguage.googleapis.com/v1beta
	APIKey           string
	Model            string
	Timeout          time.Duration // per attempt
	MaxAttempts      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// ProviderError is a non-200 answer from the model endpoint.
type ProviderError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: HTTP %d: %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini: HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

var errEmptyCandidate = errors.New("gemini: response has no text")

// Gemini calls a generateContent endpoint. Transient failures are retried;
// repeated failures open a circuit breaker so callers fail fast while the
// upstream is down.
type Gemini struct {
	httpClient *http.Client
	cfg        Config
	breaker    *circuitbreaker.CircuitBreaker
	retry      retry.Config
	logger     *zap.SugaredLogger
}

var _ ports.AssistantModel = (*Gemini)(nil)

func NewGemini(httpClient *http.Client, cfg Config, logger *zap.SugaredLogger) *Gemini {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.BreakerThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Timeout = cfg.BreakerCooldown
	}
	// Client mistakes say nothing about upstream health.
	breakerCfg.IsFailure = isUpstreamFailure
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("assistant circuit breaker changed state", "from", from.String(), "to", to.String())
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	retryCfg.InitialDelay = 500 * time.Millisecond
	retryCfg.Retryable = isUpstreamFailure

	return &Gemini{
		httpClient: httpClient,
		cfg:        cfg,
		breaker:    breaker,
		retry:      retryCfg,
		logger:     logger,
	}
}

func isUpstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return true
}

func (g *Gemini) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Gemini) GenerateText(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracing.TraceAssistantCall(ctx, g.cfg.Model)
	text, err := retry.DoWithResult(ctx, g.retry, func(ctx context.Context) (string, error) {
		return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (string, error) {
			return g.generateOnce(ctx, prompt)
		})
	})
	tracing.End(span, err)
	if err != nil {
		return "", upstreamError(err)
	}
	return text, nil
}

// upstreamError tags model failures with the status the API reports:
// 503 while the breaker is open, 502 otherwise.
func upstreamError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "assistant temporarily unavailable", http.StatusServiceUnavailable)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "assistant upstream failed", http.StatusBadGateway)
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

func (g *Gemini) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimRight(g.cfg.Endpoint, "/"), url.PathEscape(g.cfg.Model))
}

func (g *Gemini) generateOnce(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readProviderError(resp)
	}

	var wire geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("gemini: decoding response: %w", err)
	}
	if wire.PromptFeedback != nil && wire.PromptFeedback.BlockReason != "" {
		return "", &ProviderError{StatusCode: http.StatusBadRequest, Status: "BLOCKED", Message: wire.PromptFeedback.BlockReason}
	}

	var text strings.Builder
	for _, c := range wire.Candidates {
		for _, part := range c.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		return "", retry.Permanent(errEmptyCandidate)
	}
	return text.String(), nil
}

// readProviderError parses {"error":{"code","message","status"}}, falling
// back to the raw body.
func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	perr := &ProviderError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		perr.Message = wire.Error.Message
		perr.Status = wire.Error.Status
	} else {
		perr.Message = strings.TrimSpace(string(body))
	}
	return perr
}
