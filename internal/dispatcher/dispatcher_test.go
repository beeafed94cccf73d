package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/store/memstore"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		HandlerTimeout: time.Second,
		Workers:        4,
	}
}

func envelope(t *testing.T, typ events.Type, user, version string) events.Envelope {
	t.Helper()
	env, err := events.New(typ, user, version, events.ResumeChangedPayload{UserID: user, ResumeID: version})
	require.NoError(t, err)
	return env
}

func status(t *testing.T, s *memstore.Store, key string) events.Record {
	t.Helper()
	rec, err := s.GetEvent(context.Background(), key)
	require.NoError(t, err)
	return *rec
}

func TestDuplicateDeliveryIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var calls atomic.Int32
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		calls.Add(1)
		return nil
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()

	assert.EqualValues(t, 1, calls.Load())
	rec := status(t, s, env.IdempotencyKey)
	assert.Equal(t, events.StatusDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestEventsOfOneUserRunInOrder(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var mu sync.Mutex
	seen := map[string][]string{}
	d.Register(events.ResumeChanged, HandlerFunc(func(_ context.Context, env events.Envelope) error {
		var p events.ResumeChangedPayload
		if err := events.Decode(env, &p); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[p.UserID] = append(seen[p.UserID], p.ResumeID)
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 10; i++ {
		for _, user := range []string{"a", "b", "c"} {
			require.NoError(t, d.Dispatch(ctx, envelope(t, events.ResumeChanged, user, fmt.Sprintf("%02d", i))))
		}
	}
	d.Wait()

	for _, user := range []string{"a", "b", "c"} {
		require.Len(t, seen[user], 10)
		for i, v := range seen[user] {
			assert.Equal(t, fmt.Sprintf("%02d", i), v, "user %s out of order", user)
		}
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var calls atomic.Int32
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()

	rec := status(t, s, env.IdempotencyKey)
	assert.Equal(t, events.StatusDone, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestExhaustedEventIsDeadAndDoesNotBlockUser(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	core, observed := observer.New(zapcore.ErrorLevel)
	d := New(fastConfig(), s, zap.New(core))

	var handled []string
	d.Register(events.ResumeChanged, HandlerFunc(func(_ context.Context, env events.Envelope) error {
		var p events.ResumeChangedPayload
		_ = events.Decode(env, &p)
		if p.ResumeID == "bad" {
			return errors.New("boom")
		}
		handled = append(handled, p.ResumeID)
		return nil
	}))

	bad := envelope(t, events.ResumeChanged, "u1", "bad")
	good := envelope(t, events.ResumeChanged, "u1", "good")
	require.NoError(t, d.Dispatch(ctx, bad))
	require.NoError(t, d.Dispatch(ctx, good))
	d.Wait()

	dead := status(t, s, bad.IdempotencyKey)
	assert.Equal(t, events.StatusDead, dead.Status)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "boom", dead.LastError)

	assert.Equal(t, []string{"good"}, handled)
	assert.Equal(t, events.StatusDone, status(t, s, good.IdempotencyKey).Status)

	entries := observed.FilterMessage("event moved to dead letters").All()
	require.Len(t, entries, 1)
	assert.Equal(t, bad.IdempotencyKey, entries[0].ContextMap()["idempotency_key"])
}

func TestRejectedEventIsNotRetried(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var calls atomic.Int32
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		calls.Add(1)
		return events.Reject(errors.New("artifact too large"))
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()

	rec := status(t, s, env.IdempotencyKey)
	assert.Equal(t, events.StatusRejected, rec.Status)
	assert.Equal(t, "artifact too large", rec.LastError)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetriesOfOneUserDoNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	cfg := fastConfig()
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	d := New(cfg, s, zap.NewNop())

	d.Register(events.ResumeChanged, HandlerFunc(func(_ context.Context, env events.Envelope) error {
		if env.PartitionKey == "slow" {
			return errors.New("upstream down")
		}
		return nil
	}))

	slow := envelope(t, events.ResumeChanged, "slow", "r1")
	fast := envelope(t, events.ResumeChanged, "fast", "r1")
	require.NoError(t, d.Dispatch(ctx, slow))
	require.NoError(t, d.Dispatch(ctx, fast))

	require.Eventually(t, func() bool {
		return status(t, s, fast.IdempotencyKey).Status == events.StatusDone
	}, time.Second, 5*time.Millisecond)

	rec := status(t, s, slow.IdempotencyKey)
	assert.Equal(t, events.StatusRetrying, rec.Status)
	assert.False(t, rec.NextAttemptAt.IsZero())

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(shutdownCtx), context.DeadlineExceeded)
	assert.Equal(t, events.StatusRetrying, status(t, s, slow.IdempotencyKey).Status)
}

func TestHandlerTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.HandlerTimeout = 10 * time.Millisecond
	d := New(cfg, s, zap.NewNop())

	d.Register(events.ResumeChanged, HandlerFunc(func(ctx context.Context, _ events.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()

	rec := status(t, s, env.IdempotencyKey)
	assert.Equal(t, events.StatusDead, rec.Status)
	assert.Contains(t, rec.LastError, "deadline exceeded")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	d := New(cfg, s, zap.NewNop())

	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		panic("nil map")
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()

	assert.Contains(t, status(t, s, env.IdempotencyKey).LastError, "handler panic")
}

func TestDispatchValidation(t *testing.T) {
	ctx := context.Background()
	d := New(fastConfig(), memstore.New(), zap.NewNop())
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error { return nil }))

	err := d.Dispatch(ctx, events.Envelope{Type: events.ResumeChanged})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	err = d.Dispatch(ctx, envelope(t, events.DigestTick, "u1", "x"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	require.NoError(t, d.Shutdown(ctx))
	err = d.Dispatch(ctx, envelope(t, events.ResumeChanged, "u1", "late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReplayDeadEvent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var healthy atomic.Bool
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		if !healthy.Load() {
			return errors.New("down")
		}
		return nil
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()
	require.Equal(t, events.StatusDead, status(t, s, env.IdempotencyKey).Status)

	healthy.Store(true)
	require.NoError(t, d.Replay(ctx, env.IdempotencyKey))
	d.Wait()

	rec := status(t, s, env.IdempotencyKey)
	assert.Equal(t, events.StatusDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	assert.ErrorIs(t, d.Replay(ctx, env.IdempotencyKey), ErrNotReplayable)
}

func TestConcurrentReplaysQueueOnce(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var (
		healthy atomic.Bool
		calls   atomic.Int32
	)
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		if !healthy.Load() {
			return errors.New("down")
		}
		calls.Add(1)
		return nil
	}))

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	require.NoError(t, d.Dispatch(ctx, env))
	d.Wait()
	require.Equal(t, events.StatusDead, status(t, s, env.IdempotencyKey).Status)
	healthy.Store(true)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		refused  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Replay(ctx, env.IdempotencyKey)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrNotReplayable):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()
	d.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 7, refused.Load())
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, events.StatusDone, status(t, s, env.IdempotencyKey).Status)
}

func TestRejectedEventDoesNotBlockLaterEventsOfUser(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	var (
		mu    sync.Mutex
		order []events.Type
	)
	record := func(typ events.Type) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, typ)
	}
	d.Register(events.ResumeUploaded, HandlerFunc(func(_ context.Context, env events.Envelope) error {
		record(env.Type)
		return events.Reject(errors.New("unsupported content type"))
	}))
	d.Register(events.PreferencesUpdated, HandlerFunc(func(_ context.Context, env events.Envelope) error {
		record(env.Type)
		return nil
	}))

	upload, err := events.New(events.ResumeUploaded, "u1", "cv.exe", events.ResumeUploadedPayload{UserID: "u1", ArtifactRef: "cv.exe"})
	require.NoError(t, err)
	prefs, err := events.New(events.PreferencesUpdated, "u1", "1", events.PreferencesUpdatedPayload{UserID: "u1", Preferences: []string{"backend"}})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, upload))
	require.NoError(t, d.Dispatch(ctx, prefs))
	d.Wait()

	assert.Equal(t, []events.Type{events.ResumeUploaded, events.PreferencesUpdated}, order)

	rejected := status(t, s, upload.IdempotencyKey)
	assert.Equal(t, events.StatusRejected, rejected.Status)
	assert.Equal(t, 1, rejected.Attempts)
	assert.Equal(t, events.StatusDone, status(t, s, prefs.IdempotencyKey).Status)
}

func TestRecoverRequeuesUnfinishedEvents(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	env := envelope(t, events.ResumeChanged, "u1", "r1")
	_, _, err := s.BeginEvent(ctx, env)
	require.NoError(t, err)

	d := New(fastConfig(), s, zap.NewNop())
	var calls atomic.Int32
	d.Register(events.ResumeChanged, HandlerFunc(func(context.Context, events.Envelope) error {
		calls.Add(1)
		return nil
	}))

	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, events.StatusDone, status(t, s, env.IdempotencyKey).Status)
}

func TestPublishFromHandlerDuringShutdown(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	d := New(fastConfig(), s, zap.NewNop())

	release := make(chan struct{})
	var followUps atomic.Int32

	d.Register(events.ResumeChanged, HandlerFunc(func(ctx context.Context, env events.Envelope) error {
		<-release
		next, err := events.New(events.MatchScoresUpdated, env.PartitionKey, "1", events.MatchScoresUpdatedPayload{UserID: env.PartitionKey})
		if err != nil {
			return err
		}
		return d.Publish(ctx, next)
	}))
	d.Register(events.MatchScoresUpdated, HandlerFunc(func(context.Context, events.Envelope) error {
		followUps.Add(1)
		return nil
	}))

	require.NoError(t, d.Dispatch(ctx, envelope(t, events.ResumeChanged, "u1", "r1")))

	done := make(chan error)
	go func() { done <- d.Shutdown(ctx) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	assert.EqualValues(t, 1, followUps.Load())
}
