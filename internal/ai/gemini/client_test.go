package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/matchflow/internal/ai"
)

type fakeModels struct {
	resp   *genai.GenerateContentResponse
	err    error
	calls  int
	model  string
	config *genai.GenerateContentConfig
	input  []*genai.Content
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.model = model
	f.config = config
	f.input = contents
	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func newTestGenerator(m models) *Generator {
	return &Generator{
		models:        m,
		model:         "gemini-test",
		maxQuotaDelay: 10 * time.Second,
		logger:        zap.NewNop(),
	}
}

func TestGeneratorSendsSystemInstruction(t *testing.T) {
	fake := &fakeModels{resp: textResponse(" first ", "", "second")}
	g := newTestGenerator(fake)

	output, err := g.GenerateContent(context.Background(), "system", "message")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if output != "first\nsecond" {
		t.Fatalf("unexpected output: %q", output)
	}
	if fake.model != "gemini-test" {
		t.Fatalf("unexpected model: %q", fake.model)
	}
	if fake.config == nil || fake.config.SystemInstruction == nil {
		t.Fatalf("expected system instruction to be set")
	}
	if got := fake.config.SystemInstruction.Parts[0].Text; got != "system" {
		t.Fatalf("unexpected system instruction: %q", got)
	}
	if len(fake.input) != 1 || fake.input[0].Parts[0].Text != "message" {
		t.Fatalf("unexpected message: %+v", fake.input)
	}
}

func TestGeneratorClassifiesErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "server error",
			err:       genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"},
			transient: true,
		},
		{
			name:      "short quota delay",
			err:       genai.APIError{Code: http.StatusTooManyRequests, Message: "quota exhausted, retry in 2s"},
			transient: true,
		},
		{
			name:      "long quota delay",
			err:       genai.APIError{Code: http.StatusTooManyRequests, Message: "quota exhausted, retry after 60 seconds"},
			transient: false,
		},
		{
			name:      "bad request",
			err:       genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"},
			transient: false,
		},
		{
			name:      "deadline",
			err:       context.DeadlineExceeded,
			transient: true,
		},
		{
			name:      "other",
			err:       errors.New("boom"),
			transient: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGenerator(&fakeModels{err: tc.err})

			_, err := g.GenerateContent(context.Background(), "sys", "msg")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ai.IsTransient(err); got != tc.transient {
				t.Fatalf("expected transient=%v, got %v (%v)", tc.transient, got, err)
			}
		})
	}
}

func TestGeneratorEmptyResponseIsTransient(t *testing.T) {
	g := newTestGenerator(&fakeModels{resp: &genai.GenerateContentResponse{}})

	_, err := g.GenerateContent(context.Background(), "sys", "msg")
	var transient *ai.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestGeneratorRequiresMessage(t *testing.T) {
	fake := &fakeModels{}
	g := newTestGenerator(fake)

	if _, err := g.GenerateContent(context.Background(), "sys", "  "); err == nil {
		t.Fatal("expected error for empty message")
	}
	if fake.calls != 0 {
		t.Fatalf("expected no upstream call, got %d", fake.calls)
	}
}
