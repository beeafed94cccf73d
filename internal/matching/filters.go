package matching

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/store"
)

// salaryTolerance lets postings slightly below the wanted salary through to scoring.
const salaryTolerance = 0.8

// Filter is one coarse step run before scoring to bound its cost.
type Filter interface {
	Name() string
	Apply(jobs []store.JobPosting, c Criteria) ([]store.JobPosting, Step)
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// DefaultFilters returns the coarse steps in the order they run.
func DefaultFilters() []Filter {
	return []Filter{
		predicate{name: "keyword", keep: keepKeyword},
		predicate{name: "location", keep: keepLocation},
		predicate{name: "employment_type", keep: keepEmploymentType},
		predicate{name: "remote", keep: keepRemote},
		predicate{name: "salary_floor", keep: keepSalary},
	}
}

// RunFilters applies steps in order.
func RunFilters(logger *zap.Logger, steps []Filter, jobs []store.JobPosting, c Criteria) []store.JobPosting {
	for _, step := range steps {
		next, info := step.Apply(jobs, c)
		if logger != nil && info.Dropped > 0 {
			logger.Debug("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}
		jobs = next
	}
	return jobs
}

type predicate struct {
	name string
	keep func(j *store.JobPosting, c Criteria) bool
}

func (p predicate) Name() string { return p.name }

func (p predicate) Apply(jobs []store.JobPosting, c Criteria) ([]store.JobPosting, Step) {
	initial := len(jobs)
	left := slices.DeleteFunc(slices.Clone(jobs), func(j store.JobPosting) bool {
		return !p.keep(&j, c)
	})
	return left, Step{Initial: initial, Dropped: initial - len(left), Left: len(left)}
}

func keepKeyword(j *store.JobPosting, c Criteria) bool {
	if len(c.Keywords) == 0 {
		return true
	}
	text := j.Title + " " + j.Description + " " + strings.Join(j.Skills, " ")
	for _, k := range c.Keywords {
		if containsFold(text, k) {
			return true
		}
	}
	return false
}

// keepLocation lets remote postings through whatever the wanted location.
func keepLocation(j *store.JobPosting, c Criteria) bool {
	return len(c.Locations) == 0 || j.Remote || locationMatches(j, c)
}

func keepEmploymentType(j *store.JobPosting, c Criteria) bool {
	if len(c.EmploymentTypes) == 0 || j.EmploymentType == "" {
		return true
	}
	for _, t := range c.EmploymentTypes {
		if strings.EqualFold(normalizeType(t), normalizeType(j.EmploymentType)) {
			return true
		}
	}
	return false
}

func keepRemote(j *store.JobPosting, c Criteria) bool {
	return !c.RemoteOnly || j.Remote
}

func keepSalary(j *store.JobPosting, c Criteria) bool {
	if c.MinSalary <= 0 || j.SalaryFloor <= 0 {
		return true
	}
	return float64(j.SalaryFloor) >= float64(c.MinSalary)*salaryTolerance
}

func locationMatches(j *store.JobPosting, c Criteria) bool {
	for _, l := range c.Locations {
		if containsFold(j.Location, l) {
			return true
		}
	}
	return false
}

func normalizeType(t string) string {
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(t)))
}
