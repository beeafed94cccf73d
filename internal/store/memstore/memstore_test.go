package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/store"
)

type tickingClock struct {
	t time.Time
}

func (c *tickingClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore() *Store {
	clock := &tickingClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	return New(WithClock(clock.now))
}

func TestUpsertUserEnforcesEmailUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u1", Email: "A@Example.com"}))
	err := s.UpsertUser(ctx, &store.User{ID: "u2", Email: "a@example.com"})
	require.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.DeleteUser(ctx, "u1", 0))
	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u2", Email: "a@example.com"}))
}

func TestUpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u1", Email: "a@b.c"}))
	first, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u1", Email: "a@b.c", Skills: []string{"go"}}))
	second, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, []string{"go"}, second.Skills)
}

func TestDeleteUserCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u1", Email: "a@b.c"}))
	require.NoError(t, s.UpsertNotificationSettings(ctx, store.NotificationSettings{UserID: "u1", DailyDigest: false}))
	require.NoError(t, s.ReplaceMatchScores(ctx, "u1", []string{"j1"}, []store.MatchScore{{UserID: "u1", JobID: "j1", Score: 0.9}}))

	require.NoError(t, s.DeleteUser(ctx, "u1", 4))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.Live())
	assert.EqualValues(t, 4, u.Sequence)

	scores, err := s.ListMatchScores(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, scores)

	settings, err := s.GetNotificationSettings(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, settings.DailyDigest, "settings row should be gone")

	err = s.ReplaceMatchScores(ctx, "u1", nil, nil)
	assert.ErrorIs(t, err, store.ErrUserDeleted)
	err = s.UpsertUser(ctx, &store.User{ID: "u1", Email: "a@b.c"})
	assert.ErrorIs(t, err, store.ErrUserDeleted)
}

func TestDeleteUnknownUserLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.DeleteUser(ctx, "ghost", 2))
	u, err := s.GetUser(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, u.Live())
}

func TestListDigestUsersPagesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for _, id := range []string{"c", "a", "b", "d"} {
		require.NoError(t, s.UpsertUser(ctx, &store.User{ID: id, Email: id + "@x.io"}))
	}
	require.NoError(t, s.UpsertNotificationSettings(ctx, store.NotificationSettings{UserID: "b", DailyDigest: false}))
	require.NoError(t, s.DeleteUser(ctx, "d", 0))

	page, err := s.ListDigestUsers(ctx, store.UserCursor{}, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)

	next, err := s.ListDigestUsers(ctx, store.UserCursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "a", next[0].ID)
}

func TestReplaceAndPruneScores(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u1", Email: "a@b.c"}))

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := old.Add(time.Hour)

	require.NoError(t, s.ReplaceMatchScores(ctx, "u1", []string{"j1", "j2", "j3"}, []store.MatchScore{
		{UserID: "u1", JobID: "j1", Score: 0.5, ComputedAt: old},
		{UserID: "u1", JobID: "j2", Score: 0.7, ComputedAt: old},
		{UserID: "u1", JobID: "j3", Score: 0.9, ComputedAt: old},
	}))
	require.NoError(t, s.ReplaceMatchScores(ctx, "u1", []string{"j1", "j2"}, []store.MatchScore{
		{UserID: "u1", JobID: "j2", Score: 0.8, ComputedAt: fresh},
	}))

	scores, err := s.ListMatchScores(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "j3", scores[0].JobID)
	assert.Equal(t, 0.8, scores[1].Score)

	removed, err := s.PruneMatchScores(ctx, "u1", fresh)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDigestSeenAndMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.UpsertUser(ctx, &store.User{ID: "u1", Email: "a@b.c"}))
	require.NoError(t, s.ReplaceMatchScores(ctx, "u1", nil, []store.MatchScore{
		{UserID: "u1", JobID: "j1", Score: 0.9},
		{UserID: "u1", JobID: "j2", Score: 0.9},
		{UserID: "u1", JobID: "j3", Score: 0.2},
	}))

	top, err := s.TopUnseenScores(ctx, "u1", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "j1", top[0].JobID)

	require.NoError(t, s.CompleteDigest(ctx, store.DigestMarker{UserID: "u1", Date: "2024-05-01", JobIDs: []string{"j1"}}))
	require.NoError(t, s.CompleteDigest(ctx, store.DigestMarker{UserID: "u1", Date: "2024-05-01", JobIDs: []string{"j2"}}))

	top, err = s.TopUnseenScores(ctx, "u1", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "j2", top[0].JobID, "second completion of the same day is a no-op")

	marker, err := s.GetDigestMarker(ctx, "u1", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, marker.JobIDs)

	_, err = s.GetDigestMarker(ctx, "u1", "2024-05-02")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	env, err := events.New(events.AccountDeleted, "u1", "1", events.AccountDeletedPayload{IdentityID: "u1"})
	require.NoError(t, err)

	rec, created, err := s.BeginEvent(ctx, env)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, events.StatusPending, rec.Status)

	rec.Status = events.StatusDead
	rec.Attempts = 5
	require.NoError(t, s.UpdateEvent(ctx, *rec))

	again, created, err := s.BeginEvent(ctx, env)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, events.StatusDead, again.Status)

	dead, err := s.ListEvents(ctx, []events.Status{events.StatusDead}, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 5, dead[0].Attempts)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLockUserSerializes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	unlock, err := s.LockUser(ctx, "u1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.LockUser(short, "u1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := s.LockUser(ctx, "u2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := s.LockUser(ctx, "u1")
	require.NoError(t, err)
	again()
}
