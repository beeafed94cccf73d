package headhunter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/store/memstore"
)

func page(n, pages int, items ...map[string]any) map[string]any {
	return map[string]any{
		"items":    items,
		"found":    3,
		"pages":    pages,
		"page":     n,
		"per_page": 100,
	}
}

type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.Clone(context.Background()))
}

func (r *recorder) all() []*http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

func newTestServer(t *testing.T, pages []map[string]any, rec *recorder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.URL.Path != SearchPath {
			http.NotFound(w, r)
			return
		}

		n := 0
		if r.URL.Query().Get("page") == "1" {
			n = 1
		}

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			assert.NoError(t, json.NewEncoder(gz).Encode(pages[n]))
			return
		}
		assert.NoError(t, json.NewEncoder(w).Encode(pages[n]))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchFollowsPages(t *testing.T) {
	rec := &recorder{}
	srv := newTestServer(t, []map[string]any{
		page(0, 2, map[string]any{"id": "1", "name": "Go Developer"}),
		page(1, 2, map[string]any{"id": "2", "name": "Backend Engineer"}),
	}, rec)

	c := New(zap.NewNop(), "secret")
	c.APIURL = srv.URL

	vacancies, err := c.Search(context.Background(), SearchParams{Text: "golang", Areas: []int{1, 2}})
	require.NoError(t, err)
	require.Len(t, vacancies, 2)
	assert.Equal(t, "Go Developer", vacancies[0].Name)
	assert.Equal(t, "Backend Engineer", vacancies[1].Name)

	seen := rec.all()
	require.Len(t, seen, 2)
	q := seen[0].URL.Query()
	assert.Equal(t, "golang", q.Get("text"))
	assert.Equal(t, []string{"1", "2"}, q["area"])
	assert.Equal(t, perPage, q.Get("per_page"))
	assert.Equal(t, "Bearer secret", seen[0].Header.Get("Authorization"))
	assert.Equal(t, "1", seen[1].URL.Query().Get("page"))
}

func TestSearchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), "")
	c.APIURL = srv.URL

	_, err := c.Search(context.Background(), SearchParams{Text: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSyncUpsertsPostings(t *testing.T) {
	srv := newTestServer(t, []map[string]any{
		page(0, 1,
			map[string]any{
				"id":            "42",
				"name":          " Senior Go Engineer ",
				"area":          map[string]any{"id": "1", "name": "Moscow"},
				"salary":        map[string]any{"from": nil, "to": 300000.0, "currency": "RUR"},
				"schedule":      map[string]any{"id": "remote"},
				"employment":    map[string]any{"id": "full"},
				"employer":      map[string]any{"id": "7", "name": "Acme"},
				"key_skills":    []any{map[string]any{"name": "Go"}, map[string]any{"name": "go"}, map[string]any{"name": "PostgreSQL"}},
				"snippet":       map[string]any{"requirement": "Strong <highlighttext>Go</highlighttext> skills", "responsibility": "Build services"},
				"published_at":  "2024-03-01T10:00:00+0300",
				"alternate_url": "https://hh.ru/vacancy/42",
			},
			map[string]any{"id": "43", "name": "Old", "archived": true},
			map[string]any{"name": "No id"},
		),
	}, &recorder{})

	c := New(zap.NewNop(), "")
	c.APIURL = srv.URL
	s := memstore.New()
	require.NoError(t, s.UpsertJobPosting(context.Background(), &store.JobPosting{ID: "hh:43", Title: "Old"}))

	report, err := c.Sync(context.Background(), s, SearchParams{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Fetched: 3, Upserted: 1, Removed: 1, Skipped: 1}, report)

	jobs, err := s.ListJobPostings(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	j := jobs[0]
	assert.Equal(t, "hh:42", j.ID)
	assert.Equal(t, Source, j.Source)
	assert.Equal(t, "Senior Go Engineer", j.Title)
	assert.Equal(t, "Acme", j.Company)
	assert.Equal(t, "Moscow", j.Location)
	assert.Equal(t, "full-time", j.EmploymentType)
	assert.True(t, j.Remote)
	assert.Equal(t, 300000, j.SalaryFloor)
	assert.Equal(t, []string{"Go", "PostgreSQL"}, j.Skills)
	assert.Equal(t, "Strong Go skills Build services", j.Description)
	assert.Equal(t, "https://hh.ru/vacancy/42", j.URL)
	assert.Equal(t, "2024-03-01T07:00:00Z", j.PublishedAt.Format("2006-01-02T15:04:05Z07:00"))
}

func TestBuildParamsSkipsEmptyValues(t *testing.T) {
	q := buildParams(&SearchParams{Text: "go", Schedules: []string{"remote"}, Period: 0})

	assert.Equal(t, "go", q.Get("text"))
	assert.Equal(t, []string{"remote"}, q["schedule"])
	assert.False(t, q.Has("period"))
	assert.False(t, q.Has("order_by"))
}
