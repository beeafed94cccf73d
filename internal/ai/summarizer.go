package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyInput is returned when there is no text to summarize.
var ErrEmptyInput = errors.New("empty input")

// Summary is the structured digest of a resume.
type Summary struct {
	Headline        string   `json:"headline"`
	Titles          []string `json:"titles"`
	Skills          []string `json:"skills"`
	YearsExperience float64  `json:"yearsExperience"`
}

// Summarizer turns resume text into a Summary. Implementations must give up
// once timeout elapses.
type Summarizer interface {
	Summarize(ctx context.Context, text string, timeout time.Duration) (*Summary, error)
}

// TransientError marks a failure worth retrying, such as a rate limit or an
// upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Deadline overruns count.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
