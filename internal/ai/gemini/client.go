package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/logger"
)

const (
	defaultModel         = "gemini-2.5-flash"
	defaultMaxQuotaDelay = 30 * time.Second
	providerName         = "gemini"
)

var retryAfterPattern = regexp.MustCompile(`(?i)retry (?:after|in) (\d+(?:\.\d+)?)\s*s`)

type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Generator sends a system instruction and one user message to Gemini and
// returns the text of the reply.
type Generator struct {
	models        models
	model         string
	maxQuotaDelay time.Duration
	logger        *zap.Logger
}

// NewGenerator creates a Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey, model string, l *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}

	return &Generator{
		models:        client.Models,
		model:         model,
		maxQuotaDelay: defaultMaxQuotaDelay,
		logger:        logger.WithCommonFields(l, providerName, model),
	}, nil
}

// GenerateContent returns the first textual answer. Rate limits, upstream 5xx
// and deadline overruns come back as *ai.TransientError.
func (g *Generator) GenerateContent(ctx context.Context, system, message string) (string, error) {
	if g == nil || g.models == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("message must not be empty")
	}

	config := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if system = strings.TrimSpace(system); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(message), config)
	if err != nil {
		return "", g.classify(err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", &ai.TransientError{Err: errors.New("gemini api returned empty response")}
	}

	return output, nil
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

func (g *Generator) classify(err error) error {
	wrapped := fmt.Errorf("generate content: %w", err)

	if errors.Is(err, context.DeadlineExceeded) {
		return &ai.TransientError{Err: wrapped}
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		if delay, ok := quotaDelay(apiErr.Message); ok && delay > g.maxQuotaDelay {
			g.logger.Warn("gemini quota delay too long, not retrying",
				zap.Duration("delay", delay),
				zap.Duration("max_delay", g.maxQuotaDelay),
			)
			return wrapped
		}
		return &ai.TransientError{Err: wrapped}
	case apiErr.Code >= http.StatusInternalServerError:
		return &ai.TransientError{Err: wrapped}
	}

	return wrapped
}

func quotaDelay(message string) (time.Duration, bool) {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}
