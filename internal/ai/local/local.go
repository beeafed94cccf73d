// Package local is a deterministic summarizer that needs no model. It finds
// known skills and job titles by dictionary and years of experience by pattern.
package local

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/utils"
)

const headlineLimit = 120

var DefaultSkills = []string{
	"Go", "Golang", "Python", "Java", "Kotlin", "Rust", "C++", "C#", "JavaScript", "TypeScript",
	"React", "Vue", "Node.js", "SQL", "PostgreSQL", "MySQL", "MongoDB", "Redis", "Kafka",
	"RabbitMQ", "gRPC", "GraphQL", "Docker", "Kubernetes", "Terraform", "AWS", "GCP", "Azure",
	"Linux", "Prometheus", "Grafana", "CI/CD", "Microservices", "Machine Learning",
}

var DefaultTitles = []string{
	"Software Engineer", "Backend Engineer", "Backend Developer", "Frontend Engineer",
	"Frontend Developer", "Full Stack Developer", "DevOps Engineer", "Site Reliability Engineer",
	"SRE", "Data Engineer", "Data Scientist", "Platform Engineer", "Engineering Manager",
	"Team Lead", "Tech Lead", "QA Engineer", "Product Manager", "Architect",
}

var yearsPattern = regexp.MustCompile(`(?i)(\d{1,2}(?:[.,]\d)?)\s*\+?\s*(?:years?|yrs?)`)

type Summarizer struct {
	skills []string
	titles []string
}

type Option func(*Summarizer)

func WithSkills(skills ...string) Option {
	return func(s *Summarizer) { s.skills = utils.UniqueStrings(skills) }
}

func WithTitles(titles ...string) Option {
	return func(s *Summarizer) { s.titles = utils.UniqueStrings(titles) }
}

func New(opts ...Option) *Summarizer {
	s := &Summarizer{skills: DefaultSkills, titles: DefaultTitles}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Summarizer) Summarize(ctx context.Context, text string, timeout time.Duration) (*ai.Summary, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ai.ErrEmptyInput
	}

	lower := strings.ToLower(text)
	return &ai.Summary{
		Headline:        headline(text),
		Titles:          matchTerms(lower, s.titles),
		Skills:          matchTerms(lower, s.skills),
		YearsExperience: years(text),
	}, nil
}

func headline(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimLeft(strings.TrimSpace(first), "# ")
	return utils.TruncateForLog(first, headlineLimit)
}

// matchTerms returns the terms found in lower as whole words, in dictionary order.
func matchTerms(lower string, terms []string) []string {
	var found []string
	for _, term := range terms {
		if containsWord(lower, strings.ToLower(term)) {
			found = append(found, term)
		}
	}
	return found
}

func containsWord(text, word string) bool {
	for offset := 0; ; {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		offset = start + 1
	}
}

func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	isWord := c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '#'
	return !isWord
}

// years picks the largest "N years" mention.
func years(text string) float64 {
	var values []float64
	for _, m := range yearsPattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err == nil && v <= 60 {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0
	}
	return slices.Max(values)
}
