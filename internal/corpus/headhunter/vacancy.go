package headhunter

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

// Source tags postings imported from hh.ru. It also prefixes their ids.
const Source = "hh"

const (
	scheduleRemote = "remote"
	timeLayout     = "2006-01-02T15:04:05-0700"
)

var employmentTypes = map[string]string{
	"full":      "full-time",
	"part":      "part-time",
	"project":   "contract",
	"probation": "internship",
	"volunteer": "volunteer",
}

type Vacancy struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Area struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"area"`
	Salary struct {
		From     int    `json:"from"`
		To       int    `json:"to"`
		Currency string `json:"currency"`
	} `json:"salary"`
	Schedule struct {
		ID string `json:"id"`
	} `json:"schedule"`
	Employment struct {
		ID string `json:"id"`
	} `json:"employment"`
	Employer struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"employer"`
	Description string `json:"description"`
	KeySkills   []struct {
		Name string `json:"name"`
	} `json:"key_skills"`
	Snippet struct {
		Requirement    string `json:"requirement"`
		Responsibility string `json:"responsibility"`
	} `json:"snippet"`
	AlternateURL string `json:"alternate_url"`
	Archived     bool   `json:"archived"`
	PublishedAt  string `json:"published_at"`
}

// JobPosting maps the vacancy onto a corpus entry.
// PostingID is the corpus id of the vacancy.
func (v *Vacancy) PostingID() string {
	return Source + ":" + v.ID
}

func (v *Vacancy) JobPosting() *store.JobPosting {
	j := &store.JobPosting{
		ID:             v.PostingID(),
		Source:         Source,
		Title:          strings.TrimSpace(v.Name),
		Company:        strings.TrimSpace(v.Employer.Name),
		Location:       strings.TrimSpace(v.Area.Name),
		EmploymentType: employmentTypes[v.Employment.ID],
		Remote:         v.Schedule.ID == scheduleRemote,
		SalaryFloor:    v.Salary.From,
		Description:    v.description(),
		URL:            v.AlternateURL,
	}
	if j.SalaryFloor == 0 {
		j.SalaryFloor = v.Salary.To
	}

	skills := make([]string, 0, len(v.KeySkills))
	for _, s := range v.KeySkills {
		skills = append(skills, s.Name)
	}
	j.Skills = utils.UniqueStrings(skills)

	if t, err := time.Parse(timeLayout, v.PublishedAt); err == nil {
		j.PublishedAt = t.UTC()
	}

	return j
}

// description prefers the full text and falls back to the search snippet.
// Both come as HTML fragments.
func (v *Vacancy) description() string {
	raw := v.Description
	if strings.TrimSpace(raw) == "" {
		raw = strings.TrimSpace(v.Snippet.Requirement + "\n" + v.Snippet.Responsibility)
	}
	return plainText(raw)
}

func plainText(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
