package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spigell/matchflow/internal/store"
)

func TestScoreComponents(t *testing.T) {
	job := store.JobPosting{
		ID:          "j1",
		Title:       "Senior Backend Engineer",
		Skills:      []string{"Go", "Kafka", "PostgreSQL", "go"},
		SalaryFloor: 80000,
		Location:    "Berlin",
	}
	profile := Profile{
		Skills: []string{"go", "Kafka"},
		Titles: []string{"Backend Engineer"},
		Criteria: Criteria{
			MinSalary: 100000,
			Locations: []string{"berlin"},
		},
	}

	// 0.45*2/3 + 0.30*1 + 0.15*0.8 + 0.10*1
	assert.Equal(t, 0.82, Score(profile, job))
}

func TestScoreIsDeterministicAndBounded(t *testing.T) {
	job := store.JobPosting{ID: "j1", Title: "Go Developer", Description: "We use Go, Docker and Linux daily."}
	profile := Profile{Skills: []string{"Go", "Docker", "Linux", "AWS"}}

	first := Score(profile, job)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(profile, job))
	}
	// skills named in the description: 3 hits count as a full match.
	assert.Equal(t, 0.45+0.30*0.5+0.15+0.10, first)


	// only the unknown salary contributes.
	low := Score(Profile{Titles: []string{"Chef"}, Criteria: Criteria{RemoteOnly: true, MinSalary: 1}},
		store.JobPosting{Title: "Engineer"})
	assert.Equal(t, 0.075, low)
}

func TestScoreWithoutSkillsUsesNeutralTitle(t *testing.T) {
	score := Score(Profile{}, store.JobPosting{Title: "Anything"})
	assert.Equal(t, 0.4, score)
}
