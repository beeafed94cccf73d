// Package memstore keeps the pipeline state in process memory. It backs tests
// and single-process runs without a database.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users    map[string]*store.User
	settings map[string]store.NotificationSettings
	resumes  map[uuid.UUID]*store.Resume
	jobs     map[string]*store.JobPosting
	scores   map[string]map[string]store.MatchScore
	seen     map[string]map[string]string
	markers  map[string]store.DigestMarker

	events     map[string]*events.Record
	eventOrder []string

	locks *keyLock
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]*store.User),
		settings: make(map[string]store.NotificationSettings),
		resumes:  make(map[uuid.UUID]*store.Resume),
		jobs:     make(map[string]*store.JobPosting),
		scores:   make(map[string]map[string]store.MatchScore),
		seen:     make(map[string]map[string]string),
		markers:  make(map[string]store.DigestMarker),
		events:   make(map[string]*events.Record),
		locks:    newKeyLock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() {}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *Store) UpsertUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if ok && !existing.Live() {
		return fmt.Errorf("user %s: %w", u.ID, store.ErrUserDeleted)
	}

	email := strings.ToLower(strings.TrimSpace(u.Email))
	for id, other := range s.users {
		if email != "" && id != u.ID && other.Live() && strings.EqualFold(other.Email, email) {
			return fmt.Errorf("email %s: %w", email, store.ErrDuplicate)
		}
	}

	now := s.now()
	next := cloneUser(u)
	next.Email = email
	next.UpdatedAt = now
	if ok {
		next.CreatedAt = existing.CreatedAt
	} else {
		next.CreatedAt = now
	}

	s.users[u.ID] = next
	u.CreatedAt, u.UpdatedAt = next.CreatedAt, next.UpdatedAt
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u, ok := s.users[id]
	if !ok {
		u = &store.User{ID: id, CreatedAt: now}
		s.users[id] = u
	}
	if u.DeletedAt == nil {
		u.DeletedAt = &now
	}
	if sequence > u.Sequence {
		u.Sequence = sequence
	}
	u.UpdatedAt = now

	delete(s.scores, id)
	delete(s.settings, id)
	delete(s.seen, id)
	for key, m := range s.markers {
		if m.UserID == id {
			delete(s.markers, key)
		}
	}
	return nil
}

func (s *Store) SetPreferences(_ context.Context, id string, prefs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.liveUser(id)
	if err != nil {
		return err
	}
	u.Preferences = slices.Clone(prefs)
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) GetNotificationSettings(_ context.Context, userID string) (store.NotificationSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if settings, ok := s.settings[userID]; ok {
		return settings, nil
	}
	return store.DefaultNotificationSettings(userID), nil
}

func (s *Store) UpsertNotificationSettings(_ context.Context, settings store.NotificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.liveUser(settings.UserID); err != nil {
		return err
	}
	s.settings[settings.UserID] = settings
	return nil
}

func (s *Store) ListDigestUsers(_ context.Context, after store.UserCursor, limit int) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []store.User
	for _, u := range s.users {
		if !u.Live() {
			continue
		}
		if settings, ok := s.settings[u.ID]; ok && !settings.DailyDigest {
			continue
		}
		if !afterCursor(u, after) {
			continue
		}
		users = append(users, *cloneUser(u))
	}

	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})

	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func afterCursor(u *store.User, c store.UserCursor) bool {
	if c.CreatedAt.IsZero() && c.ID == "" {
		return true
	}
	if u.CreatedAt.After(c.CreatedAt) {
		return true
	}
	return u.CreatedAt.Equal(c.CreatedAt) && u.ID > c.ID
}

func (s *Store) GetResume(_ context.Context, id uuid.UUID) (*store.Resume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resumes[id]
	if !ok {
		return nil, fmt.Errorf("resume %s: %w", id, store.ErrNotFound)
	}
	return cloneResume(r), nil
}

func (s *Store) CreateResume(_ context.Context, r *store.Resume) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resumes[r.ID]; ok {
		return false, nil
	}
	if _, err := s.liveUser(r.UserID); err != nil {
		return false, err
	}

	now := s.now()
	next := cloneResume(r)
	next.CreatedAt, next.UpdatedAt = now, now
	s.resumes[r.ID] = next
	r.CreatedAt, r.UpdatedAt = now, now
	return true, nil
}

func (s *Store) UpdateResume(_ context.Context, r *store.Resume) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.resumes[r.ID]
	if !ok {
		return fmt.Errorf("resume %s: %w", r.ID, store.ErrNotFound)
	}
	if _, err := s.liveUser(r.UserID); err != nil {
		return err
	}

	next := cloneResume(r)
	next.CreatedAt = existing.CreatedAt
	next.IsDefault = existing.IsDefault
	next.UpdatedAt = s.now()
	s.resumes[r.ID] = next
	return nil
}

func (s *Store) SetDefaultResume(_ context.Context, userID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.resumes[id]
	if !ok || target.UserID != userID {
		return fmt.Errorf("resume %s: %w", id, store.ErrNotFound)
	}
	if _, err := s.liveUser(userID); err != nil {
		return err
	}

	for _, r := range s.resumes {
		if r.UserID == userID {
			r.IsDefault = r.ID == id
		}
	}
	return nil
}

func (s *Store) ListResumes(_ context.Context, userID string) ([]store.Resume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Resume
	for _, r := range s.resumes {
		if r.UserID == userID {
			out = append(out, *cloneResume(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) UpsertJobPosting(_ context.Context, j *store.JobPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *j
	next.Skills = slices.Clone(j.Skills)
	next.UpdatedAt = s.now()
	s.jobs[j.ID] = &next
	return nil
}

func (s *Store) DeleteJobPosting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Store) ListJobPostings(_ context.Context, afterID string, limit int) ([]store.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.JobPosting
	for id, j := range s.jobs {
		if id > afterID {
			next := *j
			next.Skills = slices.Clone(j.Skills)
			out = append(out, next)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LockUser(ctx context.Context, userID string) (func(), error) {
	return s.locks.lock(ctx, userID)
}

func (s *Store) ReplaceMatchScores(_ context.Context, userID string, jobIDs []string, scores []store.MatchScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.liveUser(userID); err != nil {
		return err
	}

	current := s.scores[userID]
	if current == nil {
		current = make(map[string]store.MatchScore)
		s.scores[userID] = current
	}
	for _, id := range jobIDs {
		delete(current, id)
	}
	for _, score := range scores {
		current[score.JobID] = score
	}
	return nil
}

func (s *Store) PruneMatchScores(_ context.Context, userID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for jobID, score := range s.scores[userID] {
		if score.ComputedAt.Before(before) {
			delete(s.scores[userID], jobID)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) ListMatchScores(_ context.Context, userID string) ([]store.MatchScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.MatchScore, 0, len(s.scores[userID]))
	for _, score := range s.scores[userID] {
		out = append(out, score)
	}
	sortScores(out)
	return out, nil
}

func (s *Store) GetDigestMarker(_ context.Context, userID, date string) (*store.DigestMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markers[markerKey(userID, date)]
	if !ok {
		return nil, fmt.Errorf("digest marker %s/%s: %w", userID, date, store.ErrNotFound)
	}
	m.JobIDs = slices.Clone(m.JobIDs)
	return &m, nil
}

func (s *Store) TopUnseenScores(_ context.Context, userID string, minScore float64, limit int) ([]store.MatchScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.MatchScore
	for jobID, score := range s.scores[userID] {
		if score.Score < minScore {
			continue
		}
		if _, seen := s.seen[userID][jobID]; seen {
			continue
		}
		out = append(out, score)
	}
	sortScores(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CompleteDigest(_ context.Context, m store.DigestMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := markerKey(m.UserID, m.Date)
	if _, ok := s.markers[key]; ok {
		return nil
	}
	if _, err := s.liveUser(m.UserID); err != nil {
		return err
	}

	seen := s.seen[m.UserID]
	if seen == nil {
		seen = make(map[string]string)
		s.seen[m.UserID] = seen
	}
	for _, id := range m.JobIDs {
		seen[id] = m.Date
	}

	m.JobIDs = slices.Clone(m.JobIDs)
	if m.CompletedAt.IsZero() {
		m.CompletedAt = s.now()
	}
	s.markers[key] = m
	return nil
}

func (s *Store) BeginEvent(_ context.Context, env events.Envelope) (*events.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.events[env.IdempotencyKey]; ok {
		out := *rec
		return &out, false, nil
	}

	rec := &events.Record{
		Envelope:  env,
		Status:    events.StatusPending,
		UpdatedAt: s.now(),
	}
	s.events[env.IdempotencyKey] = rec
	s.eventOrder = append(s.eventOrder, env.IdempotencyKey)

	out := *rec
	return &out, true, nil
}

func (s *Store) UpdateEvent(_ context.Context, rec events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Envelope.IdempotencyKey
	if _, ok := s.events[key]; !ok {
		return fmt.Errorf("event %s: %w", key, store.ErrNotFound)
	}
	rec.UpdatedAt = s.now()
	s.events[key] = &rec
	return nil
}

func (s *Store) ResetEvent(_ context.Context, key string, from ...events.Status) (*events.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[key]
	if !ok {
		return nil, false, fmt.Errorf("event %s: %w", key, store.ErrNotFound)
	}
	if !slices.Contains(from, rec.Status) {
		out := *rec
		return &out, false, nil
	}

	rec.Status = events.StatusPending
	rec.Attempts = 0
	rec.LastError = ""
	rec.NextAttemptAt = time.Time{}
	rec.UpdatedAt = s.now()

	out := *rec
	return &out, true, nil
}

func (s *Store) GetEvent(_ context.Context, key string) (*events.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[key]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, store.ErrNotFound)
	}
	out := *rec
	return &out, nil
}

func (s *Store) ListEvents(_ context.Context, statuses []events.Status, limit int) ([]events.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Record
	for _, key := range s.eventOrder {
		rec := s.events[key]
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Status) {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// liveUser must be called with s.mu held.
func (s *Store) liveUser(id string) (*store.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if !u.Live() {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrUserDeleted)
	}
	return u, nil
}

func markerKey(userID, date string) string {
	return userID + "|" + date
}

func sortScores(scores []store.MatchScore) {
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].JobID < scores[j].JobID
	})
}

func cloneUser(u *store.User) *store.User {
	out := *u
	out.Skills = slices.Clone(u.Skills)
	out.Preferences = slices.Clone(u.Preferences)
	out.FieldSequences = maps.Clone(u.FieldSequences)
	if u.Profile != nil {
		out.Profile = make(map[string]any, len(u.Profile))
		for k, v := range u.Profile {
			out.Profile[k] = v
		}
	}
	if u.DeletedAt != nil {
		at := *u.DeletedAt
		out.DeletedAt = &at
	}
	return &out
}

func cloneResume(r *store.Resume) *store.Resume {
	out := *r
	if r.Summary != nil {
		summary := ai.Summary{
			Headline:        r.Summary.Headline,
			Titles:          slices.Clone(r.Summary.Titles),
			Skills:          slices.Clone(r.Summary.Skills),
			YearsExperience: r.Summary.YearsExperience,
		}
		out.Summary = &summary
	}
	return &out
}
