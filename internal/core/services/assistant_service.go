package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/utils"

	"go.uber.org/zap"
)

const maxAssistantElements = 200

const assistantPrompt = `You generate drawing data for a collaborative whiteboard.

Reply with a JSON array and nothing else. Every entry has the shape
{"tool": string, "props": {"id": string, "x": number, "y": number,
"width"?: number, "height"?: number, "radius"?: number, "stroke"?: string,
"fill"?: string, "strokeWidth"?: number, "points"?: number[], "text"?: string}}.

Rules:
- tool is one of "rectangle", "circle", "pencil", "eraser", "arrow", "text".
- ids are incrementing strings: "1", "2", ...
- keep x and y between 100 and 600 unless asked otherwise.
- pencil and eraser take a flat points list x0,y0,x1,y1,...; arrow takes exactly four points.
- use stroke or fill when the user names a color.

Instruction: %q`

// AssistantMetrics observes assistant calls.
type AssistantMetrics interface {
	AssistantCall(outcome string, d time.Duration)
}

type assistantService struct {
	model   ports.AssistantModel
	logger  *zap.SugaredLogger
	metrics AssistantMetrics
}

// NewAssistantService returns a service that turns a free-text instruction
// into board elements. A nil model yields domain.ErrAssistantDisabled.
func NewAssistantService(model ports.AssistantModel, logger *zap.SugaredLogger, metrics AssistantMetrics) ports.AssistantService {
	return &assistantService{model: model, logger: logger, metrics: metrics}
}

func (s *assistantService) Generate(ctx context.Context, prompt string) ([]domain.Element, error) {
	if s.model == nil {
		return nil, domain.ErrAssistantDisabled
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, domain.ErrEmptyPrompt
	}

	start := time.Now()
	text, err := s.model.GenerateText(ctx, fmt.Sprintf(assistantPrompt, prompt))
	if err != nil {
		s.observe("error", start)
		return nil, fmt.Errorf("assistant: %w", err)
	}

	elements, err := ParseAssistantOutput(text)
	if err != nil {
		s.observe("malformed", start)
		s.logger.Warnw("assistant returned malformed output", "error", err, "bytes", len(text), "prompt", utils.TruncateString(prompt, 80))
		return nil, err
	}
	s.observe("ok", start)
	return elements, nil
}

func (s *assistantService) observe(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.AssistantCall(outcome, time.Since(start))
	}
}

// ParseAssistantOutput decodes model output as a JSON array of elements.
// A surrounding markdown code fence is tolerated; anything else that is not
// exactly a valid element array fails with domain.ErrMalformedAssistantOutput
// and no elements. Entries without an id get a positional one, since the
// caller assigns real ids on import.
func ParseAssistantOutput(text string) ([]domain.Element, error) {
	body := stripCodeFence(text)
	if !strings.HasPrefix(body, "[") {
		return nil, fmt.Errorf("%w: expected a JSON array", domain.ErrMalformedAssistantOutput)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	var elements []domain.Element
	if err := dec.Decode(&elements); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedAssistantOutput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after array", domain.ErrMalformedAssistantOutput)
	}
	if len(elements) > maxAssistantElements {
		return nil, fmt.Errorf("%w: %d elements exceeds the limit of %d", domain.ErrMalformedAssistantOutput, len(elements), maxAssistantElements)
	}

	for i := range elements {
		if elements[i].Props.ID == "" {
			elements[i].Props.ID = domain.ElementID(fmt.Sprintf("%d", i+1))
		}
		if err := elements[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", domain.ErrMalformedAssistantOutput, i, err)
		}
	}
	if elements == nil {
		elements = []domain.Element{}
	}
	return elements, nil
}

func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Language tag, e.g. ```json
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "```") {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
