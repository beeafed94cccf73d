package matching

import (
	"math"
	"strings"

	"github.com/spigell/matchflow/internal/store"
)

const (
	weightSkills   = 0.45
	weightTitle    = 0.30
	weightSalary   = 0.15
	weightLocation = 0.10

	// neutral is the component value when nothing is known either way.
	neutral = 0.5
	// descriptionSkillHits is how many skills named in a description count as a full match.
	descriptionSkillHits = 3
)

// Profile is the snapshot of a user that jobs are scored against.
type Profile struct {
	Skills   []string
	Titles   []string
	Criteria Criteria
}

// Score rates how well job fits profile, in [0, 1] rounded to 4 decimals.
// Equal inputs always give equal scores.
func Score(p Profile, j store.JobPosting) float64 {
	total := weightSkills*skillFit(p, j) +
		weightTitle*titleFit(p, j) +
		weightSalary*salaryFit(p.Criteria, j) +
		weightLocation*locationFit(p.Criteria, j)

	total = math.Max(0, math.Min(1, total))
	return math.Round(total*10000) / 10000
}

func skillFit(p Profile, j store.JobPosting) float64 {
	if len(p.Skills) == 0 {
		return 0
	}

	have := make(map[string]struct{}, len(p.Skills))
	for _, s := range p.Skills {
		have[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}

	if len(j.Skills) > 0 {
		wanted := make(map[string]struct{}, len(j.Skills))
		matched := 0
		for _, s := range j.Skills {
			key := strings.ToLower(strings.TrimSpace(s))
			if _, dup := wanted[key]; dup || key == "" {
				continue
			}
			wanted[key] = struct{}{}
			if _, ok := have[key]; ok {
				matched++
			}
		}
		if len(wanted) == 0 {
			return 0
		}
		return float64(matched) / float64(len(wanted))
	}

	text := " " + strings.Join(tokens(j.Title+" "+j.Description), " ") + " "
	hits := 0
	for skill := range have {
		if skill != "" && strings.Contains(text, " "+strings.Join(tokens(skill), " ")+" ") {
			hits++
		}
	}
	return math.Min(1, float64(hits)/descriptionSkillHits)
}

// titleFit is the best token overlap between the job title and any of the
// user's titles or keywords.
func titleFit(p Profile, j store.JobPosting) float64 {
	terms := append(append([]string{}, p.Titles...), p.Criteria.Keywords...)
	if len(terms) == 0 {
		return neutral
	}

	title := make(map[string]struct{})
	for _, t := range tokens(j.Title) {
		title[t] = struct{}{}
	}

	best := 0.0
	for _, term := range terms {
		words := tokens(term)
		if len(words) == 0 {
			continue
		}
		hit := 0
		for _, w := range words {
			if _, ok := title[w]; ok {
				hit++
			}
		}
		best = math.Max(best, float64(hit)/float64(len(words)))
	}
	return best
}

func salaryFit(c Criteria, j store.JobPosting) float64 {
	switch {
	case c.MinSalary <= 0:
		return 1
	case j.SalaryFloor <= 0:
		return neutral
	default:
		return math.Min(1, float64(j.SalaryFloor)/float64(c.MinSalary))
	}
}

func locationFit(c Criteria, j store.JobPosting) float64 {
	if c.RemoteOnly && !j.Remote {
		return 0
	}
	if len(c.Locations) > 0 && !j.Remote && !locationMatches(&j, c) {
		return 0
	}
	return 1
}
