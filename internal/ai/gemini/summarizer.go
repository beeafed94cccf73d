package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "embed"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/utils"
)

// ErrInvalidResponse is returned when the model answer does not match the summary schema.
var ErrInvalidResponse = errors.New("invalid summary response")

type contentGenerator interface {
	GenerateContent(ctx context.Context, system, message string) (string, error)
}

//go:embed prompt.md
var systemPrompt string

//go:embed summary.schema.json
var summarySchema string

const (
	defaultMaxLogLength = 200
	// maxInputRunes bounds the resume text sent to the model.
	maxInputRunes = 20000
)

type Summarizer struct {
	generator contentGenerator
	schema    *gojsonschema.Schema
	logger    *zap.Logger
	maxLogLen int
}

var _ ai.Summarizer = (*Summarizer)(nil)

func NewSummarizer(generator contentGenerator, logger *zap.Logger, maxLogLength int) (*Summarizer, error) {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(summarySchema))
	if err != nil {
		return nil, fmt.Errorf("load summary schema: %w", err)
	}

	return &Summarizer{
		generator: generator,
		schema:    schema,
		logger:    logger,
		maxLogLen: maxLogLength,
	}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, text string, timeout time.Duration) (*ai.Summary, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ai.ErrEmptyInput
	}
	if utf8.RuneCountInString(text) > maxInputRunes {
		text = string([]rune(text)[:maxInputRunes])
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.logger.Debug("gemini summarize request",
		zap.Int("input_length", utf8.RuneCountInString(text)),
		zap.String("input_preview", utils.TruncateForLog(text, s.maxLogLen)),
	)

	raw, err := s.generator.GenerateContent(ctx, systemPrompt, text)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gemini summarize response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, s.maxLogLen)),
	)

	return s.parseResponse(raw)
}

func (s *Summarizer) parseResponse(raw string) (*ai.Summary, error) {
	cleaned := extractJSON(raw)

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w: %v", ErrInvalidResponse, err)
	}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate gemini response: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(problems, "; "))
	}

	years := coerceFloat(data["yearsExperience"])
	if math.IsNaN(years) || years < 0 {
		years = 0
	}

	return &ai.Summary{
		Headline:        coerceString(data["headline"]),
		Titles:          utils.UniqueStrings(coerceStrings(data["titles"])),
		Skills:          utils.UniqueStrings(coerceStrings(data["skills"])),
		YearsExperience: years,
	}, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func coerceStrings(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, coerceString(item))
		}
		return out
	case string:
		return strings.Split(val, ",")
	default:
		return nil
	}
}
