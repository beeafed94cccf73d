package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/ai/local"
	"github.com/spigell/matchflow/internal/artifacts"
	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/notify"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/store/memstore"
)

type recordingSink struct {
	mu       sync.Mutex
	requests []notify.Request
}

func (s *recordingSink) Deliver(_ context.Context, req notify.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordingSink) all() []notify.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Request(nil), s.requests...)
}

func mustEnv(t *testing.T, typ events.Type, partition, version string, payload any) events.Envelope {
	t.Helper()
	env, err := events.New(typ, partition, version, payload)
	require.NoError(t, err)
	return env
}

func newPipeline(t *testing.T) (*Pipeline, *memstore.Store, *recordingSink) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cv.md"),
		[]byte("# Backend Engineer\n\n6 years building services in Go and PostgreSQL.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.md"),
		[]byte("# Data Scientist\n\n4 years of Python and machine learning.\n"), 0o644))

	s := memstore.New()
	sink := &recordingSink{}

	p, err := New(Config{
		Dispatcher: dispatcher.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, Deps{
		Store:      s,
		Artifacts:  artifacts.NewFS(dir, 0),
		Summarizer: local.New(),
		Sink:       sink,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})

	ctx := context.Background()
	for _, j := range []store.JobPosting{
		{ID: "j1", Title: "Backend Engineer", Skills: []string{"Go", "PostgreSQL"}},
		{ID: "j2", Title: "Frontend Engineer", Skills: []string{"React"}},
		{ID: "j3", Title: "Data Scientist", Description: "Backend experience is a plus", Skills: []string{"Python"}},
	} {
		job := j
		require.NoError(t, s.UpsertJobPosting(ctx, &job))
	}

	return p, s, sink
}

func TestEndToEndDigest(t *testing.T) {
	ctx := context.Background()
	p, s, sink := newPipeline(t)
	require.NoError(t, p.Start(ctx))

	for _, env := range []events.Envelope{
		mustEnv(t, events.AccountCreated, "u1", "1", events.AccountCreatedPayload{IdentityID: "u1", Email: "u1@example.com"}),
		mustEnv(t, events.PreferencesUpdated, "u1", "1", events.PreferencesUpdatedPayload{UserID: "u1", Preferences: []string{"backend"}}),
		mustEnv(t, events.ResumeUploaded, "u1", "1", events.ResumeUploadedPayload{UserID: "u1", ArtifactRef: "cv.md"}),
		mustEnv(t, events.AccountCreated, "u2", "1", events.AccountCreatedPayload{IdentityID: "u2", Email: "u2@example.com"}),
		mustEnv(t, events.ResumeUploaded, "u2", "1", events.ResumeUploadedPayload{UserID: "u2", ArtifactRef: "missing.pdf"}),
	} {
		require.NoError(t, p.Dispatcher.Dispatch(ctx, env))
	}
	p.Dispatcher.Wait()

	resumes, err := s.ListResumes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, resumes, 1)
	assert.Equal(t, store.ResumeSummarized, resumes[0].Status)
	assert.True(t, resumes[0].IsDefault)
	assert.Contains(t, resumes[0].Summary.Skills, "Go")

	failed, err := s.ListResumes(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, store.ResumeFailed, failed[0].Status)

	scores, err := s.ListMatchScores(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, scores)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, p.Scheduler.RunOnce(ctx, at))
	require.NoError(t, p.Scheduler.RunOnce(ctx, at))
	p.Dispatcher.Wait()

	requests := sink.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "u1", requests[0].UserID)
	assert.Equal(t, "2026-03-02", requests[0].Date)
	assert.Equal(t, "j1", requests[0].JobIDs[0])
	assert.Equal(t, "notification.requested:u1:2026-03-02", requests[0].IdempotencyKey)

	report, err := p.Digest.Run(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Len(t, sink.all(), 1)

	rejected, err := s.ListEvents(ctx, []events.Status{events.StatusRejected}, 0)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, events.ResumeUploaded, rejected[0].Envelope.Type)
}

type resumeState struct {
	ID        string
	Status    store.ResumeStatus
	IsDefault bool
	Summary   *ai.Summary
}

// userState is what a user's event stream leaves behind, without timestamps.
type userState struct {
	Email       string
	Profile     map[string]any
	Skills      []string
	Preferences []string
	Sequence    int64
	Settings    store.NotificationSettings
	Resumes     []resumeState
	Scores      map[string]float64
}

func snapshot(t *testing.T, s *memstore.Store, userID string) userState {
	t.Helper()
	ctx := context.Background()

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	settings, err := s.GetNotificationSettings(ctx, userID)
	require.NoError(t, err)

	state := userState{
		Email:       u.Email,
		Profile:     u.Profile,
		Skills:      u.Skills,
		Preferences: u.Preferences,
		Sequence:    u.Sequence,
		Settings:    settings,
		Scores:      map[string]float64{},
	}

	resumes, err := s.ListResumes(ctx, userID)
	require.NoError(t, err)
	for _, r := range resumes {
		state.Resumes = append(state.Resumes, resumeState{
			ID:        r.ID.String(),
			Status:    r.Status,
			IsDefault: r.IsDefault,
			Summary:   r.Summary,
		})
	}

	scores, err := s.ListMatchScores(ctx, userID)
	require.NoError(t, err)
	for _, sc := range scores {
		state.Scores[sc.JobID] = sc.Score
	}
	return state
}

func userStreams(t *testing.T) (u1, u2 []events.Envelope) {
	off := false
	u1 = []events.Envelope{
		mustEnv(t, events.AccountCreated, "u1", "1", events.AccountCreatedPayload{IdentityID: "u1", Email: "u1@example.com", Skills: []string{"Go"}, Sequence: 1}),
		mustEnv(t, events.PreferencesUpdated, "u1", "1", events.PreferencesUpdatedPayload{UserID: "u1", Preferences: []string{"backend"}}),
		mustEnv(t, events.ResumeUploaded, "u1", "1", events.ResumeUploadedPayload{UserID: "u1", ArtifactRef: "cv.md", MakeDefault: true}),
		mustEnv(t, events.AccountUpdated, "u1", "2", events.AccountUpdatedPayload{IdentityID: "u1", ChangedFields: map[string]any{"lastName": "Lovelace"}, Sequence: 2}),
		mustEnv(t, events.PreferencesUpdated, "u1", "2", events.PreferencesUpdatedPayload{UserID: "u1", Preferences: []string{"backend", "go"}}),
	}
	u2 = []events.Envelope{
		mustEnv(t, events.AccountCreated, "u2", "1", events.AccountCreatedPayload{IdentityID: "u2", Email: "u2@example.com", Sequence: 1}),
		mustEnv(t, events.ResumeUploaded, "u2", "1", events.ResumeUploadedPayload{UserID: "u2", ArtifactRef: "data.md"}),
		mustEnv(t, events.NotificationsUpdated, "u2", "1", events.NotificationsUpdatedPayload{UserID: "u2", DailyDigest: &off}),
		mustEnv(t, events.PreferencesUpdated, "u2", "1", events.PreferencesUpdatedPayload{UserID: "u2", Preferences: []string{"python"}}),
		mustEnv(t, events.AccountUpdated, "u2", "2", events.AccountUpdatedPayload{IdentityID: "u2", ChangedFields: map[string]any{"email": "u2-new@example.com"}, Sequence: 2}),
	}
	return u1, u2
}

func run(t *testing.T, envs []events.Envelope) *memstore.Store {
	t.Helper()
	ctx := context.Background()

	p, s, _ := newPipeline(t)
	require.NoError(t, p.Start(ctx))
	for _, env := range envs {
		require.NoError(t, p.Dispatcher.Dispatch(ctx, env))
	}
	p.Dispatcher.Wait()
	return s
}

func interleave(a, b []events.Envelope) []events.Envelope {
	var out []events.Envelope
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			out = append(out, a[i])
		}
		if i < len(b) {
			out = append(out, b[i])
		}
	}
	return out
}

func TestInterleavedUsersEndAsIfAlone(t *testing.T) {
	u1, u2 := userStreams(t)

	alone1 := snapshot(t, run(t, u1), "u1")
	alone2 := snapshot(t, run(t, u2), "u2")

	require.Len(t, alone1.Resumes, 1)
	assert.Equal(t, store.ResumeSummarized, alone1.Resumes[0].Status)
	assert.NotEmpty(t, alone1.Scores)
	assert.Equal(t, "u2-new@example.com", alone2.Email)
	assert.False(t, alone2.Settings.DailyDigest)

	for name, envs := range map[string][]events.Envelope{
		"u1 first": interleave(u1, u2),
		"u2 first": interleave(u2, u1),
	} {
		t.Run(name, func(t *testing.T) {
			s := run(t, envs)
			assert.Equal(t, alone1, snapshot(t, s, "u1"))
			assert.Equal(t, alone2, snapshot(t, s, "u2"))
		})
	}
}

func TestStopRefusesNewEvents(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newPipeline(t)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	err := p.Dispatcher.Dispatch(ctx, mustEnv(t, events.AccountCreated, "u1", "1",
		events.AccountCreatedPayload{IdentityID: "u1", Email: "u1@example.com"}))
	assert.ErrorIs(t, err, dispatcher.ErrClosed)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{Logger: zap.NewNop()})
	assert.Error(t, err)
}
