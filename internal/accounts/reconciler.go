// Package accounts keeps local user records in line with the identity
// provider's account lifecycle events.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/matchflow/internal/dispatcher"
	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/logger"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

// ErrNotYetCreated is returned for updates that arrive before the account
// exists locally. The dispatcher retries them.
var ErrNotYetCreated = errors.New("account not created yet")

type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	UpsertUser(ctx context.Context, u *store.User) error
	DeleteUser(ctx context.Context, id string, sequence int64) error
	GetNotificationSettings(ctx context.Context, userID string) (store.NotificationSettings, error)
	UpsertNotificationSettings(ctx context.Context, s store.NotificationSettings) error
}

type Registrar interface {
	Register(t events.Type, h dispatcher.Handler)
}

type Reconciler struct {
	store  Store
	logger *zap.Logger
}

func New(s Store, l *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  s,
		logger: logger.WithFields(l, zap.String("component", "accounts")),
	}
}

// Register wires the account handlers into a dispatcher.
func (r *Reconciler) Register(reg Registrar) {
	reg.Register(events.AccountCreated, dispatcher.HandlerFunc(r.HandleCreated))
	reg.Register(events.AccountUpdated, dispatcher.HandlerFunc(r.HandleUpdated))
	reg.Register(events.AccountDeleted, dispatcher.HandlerFunc(r.HandleDeleted))
	reg.Register(events.NotificationsUpdated, dispatcher.HandlerFunc(r.HandleNotifications))
}

// HandleCreated upserts by identity id. A repeated Created for a known user
// is applied as an update of every field it carries.
func (r *Reconciler) HandleCreated(ctx context.Context, env events.Envelope) error {
	var p events.AccountCreatedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	log := logger.ForUser(r.logger, p.IdentityID)

	u, err := r.lookup(ctx, p.IdentityID)
	if err != nil {
		return err
	}
	if tombstoned(log, u) {
		return nil
	}

	if u == nil {
		u = &store.User{ID: p.IdentityID}
	} else {
		log.Info("account already exists, applying created as update")
	}

	changed := map[string]any{fieldEmail: p.Email}
	for k, v := range p.Profile {
		changed[k] = v
	}
	if p.Skills != nil {
		changed[fieldSkills] = p.Skills
	}

	patch, err := DecodePatch(changed)
	if err != nil {
		return err
	}
	if stale(log, patch.Apply(u, p.Sequence), u, p.Sequence) {
		return nil
	}

	return r.save(ctx, log, u, p.Sequence)
}

// HandleUpdated merges only the changed fields. With sequence numbers each
// field keeps the value of the newest event that carried it, so an older
// update arriving late still applies the fields nothing newer has touched.
// Without sequence numbers concurrent updates resolve last-write-wins.
func (r *Reconciler) HandleUpdated(ctx context.Context, env events.Envelope) error {
	var p events.AccountUpdatedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	log := logger.ForUser(r.logger, p.IdentityID)

	patch, err := DecodePatch(p.ChangedFields)
	if err != nil {
		return err
	}

	u, err := r.lookup(ctx, p.IdentityID)
	if err != nil {
		return err
	}
	if tombstoned(log, u) {
		return nil
	}

	if u == nil {
		if !patch.Has(fieldEmail) {
			return fmt.Errorf("update for %s: %w", p.IdentityID, ErrNotYetCreated)
		}
		log.Info("update arrived before create, creating account")
		u = &store.User{ID: p.IdentityID}
	}

	if stale(log, patch.Apply(u, p.Sequence), u, p.Sequence) {
		return nil
	}
	return r.save(ctx, log, u, p.Sequence)
}

// HandleDeleted tombstones the user. Deletion is applied whatever its
// sequence: an account is never resurrected by a late event.
func (r *Reconciler) HandleDeleted(ctx context.Context, env events.Envelope) error {
	var p events.AccountDeletedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}

	if err := r.store.DeleteUser(ctx, p.IdentityID, p.Sequence); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	logger.ForUser(r.logger, p.IdentityID).Info("account deleted", zap.Int64("sequence", p.Sequence))
	return nil
}

// HandleNotifications applies the settings fields present in the event on
// top of the stored or default settings.
func (r *Reconciler) HandleNotifications(ctx context.Context, env events.Envelope) error {
	var p events.NotificationsUpdatedPayload
	if err := events.Decode(env, &p); err != nil {
		return err
	}
	log := logger.ForUser(r.logger, p.UserID)

	u, err := r.lookup(ctx, p.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("settings for %s: %w", p.UserID, ErrNotYetCreated)
	}
	if !u.Live() {
		log.Info("settings for deleted account ignored")
		return nil
	}

	settings, err := r.store.GetNotificationSettings(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("loading notification settings: %w", err)
	}
	if p.DailyDigest != nil {
		settings.DailyDigest = *p.DailyDigest
	}
	if p.DigestSize != nil {
		settings.DigestSize = *p.DigestSize
	}

	err = r.store.UpsertNotificationSettings(ctx, settings)
	if errors.Is(err, store.ErrUserDeleted) {
		log.Info("account deleted while updating settings")
		return nil
	}
	if err != nil {
		return fmt.Errorf("saving notification settings: %w", err)
	}

	log.Info("notification settings updated", zap.Bool("daily_digest", settings.DailyDigest))
	return nil
}

func (r *Reconciler) lookup(ctx context.Context, id string) (*store.User, error) {
	u, err := r.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return u, nil
}

func (r *Reconciler) save(ctx context.Context, log *zap.Logger, u *store.User, sequence int64) error {
	if sequence > u.Sequence {
		u.Sequence = sequence
	}
	u.Skills = utils.UniqueStrings(u.Skills)

	err := r.store.UpsertUser(ctx, u)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return events.Reject(fmt.Errorf("saving user %s: %w", u.ID, err))
	case errors.Is(err, store.ErrUserDeleted):
		log.Info("account deleted while applying change")
		return nil
	case err != nil:
		return fmt.Errorf("saving user: %w", err)
	}

	log.Info("account synced", zap.Int64("sequence", u.Sequence))
	return nil
}

func tombstoned(log *zap.Logger, u *store.User) bool {
	if u == nil || u.Live() {
		return false
	}
	log.Info("event for deleted account ignored")
	return true
}

// stale reports an event none of whose fields were newer than what is stored.
func stale(log *zap.Logger, applied []string, u *store.User, sequence int64) bool {
	if len(applied) > 0 || sequence <= 0 {
		return false
	}
	log.Info("stale account event ignored",
		zap.Int64("sequence", sequence),
		zap.Int64("applied_sequence", u.Sequence),
	)
	return true
}
