package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type AccountCreatedPayload struct {
	IdentityID string         `json:"identityId" validate:"required"`
	Email      string         `json:"email" validate:"required,email"`
	Profile    map[string]any `json:"profile,omitempty"`
	Skills     []string       `json:"skills,omitempty" validate:"dive,required"`
	Sequence   int64          `json:"sequence,omitempty" validate:"gte=0"`
}

// AccountUpdatedPayload carries only the fields that changed at the identity provider.
type AccountUpdatedPayload struct {
	IdentityID    string         `json:"identityId" validate:"required"`
	ChangedFields map[string]any `json:"changedFields" validate:"required,min=1"`
	Sequence      int64          `json:"sequence,omitempty" validate:"gte=0"`
}

type AccountDeletedPayload struct {
	IdentityID string `json:"identityId" validate:"required"`
	Sequence   int64  `json:"sequence,omitempty" validate:"gte=0"`
}

type ResumeUploadedPayload struct {
	UserID      string `json:"userId" validate:"required"`
	ArtifactRef string `json:"artifactRef" validate:"required"`
	MakeDefault bool   `json:"makeDefault,omitempty"`
}

type PreferencesUpdatedPayload struct {
	UserID      string   `json:"userId" validate:"required"`
	Preferences []string `json:"preferences" validate:"dive,required"`
}

type NotificationsUpdatedPayload struct {
	UserID      string `json:"userId" validate:"required"`
	DailyDigest *bool  `json:"dailyDigest,omitempty"`
	DigestSize  *int   `json:"digestSize,omitempty" validate:"omitempty,gte=0,lte=100"`
}

type DigestTickPayload struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

type DigestUserPayload struct {
	UserID string `json:"userId" validate:"required"`
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
}

// DigestPagePayload continues a day's digest walk after the keyset cursor
// (AfterCreatedAt, AfterID).
type DigestPagePayload struct {
	Date           string    `json:"date" validate:"required,datetime=2006-01-02"`
	Page           int       `json:"page" validate:"gte=2"`
	AfterCreatedAt time.Time `json:"afterCreatedAt"`
	AfterID        string    `json:"afterId" validate:"required"`
}

type ResumeChangedPayload struct {
	UserID   string `json:"userId" validate:"required"`
	ResumeID string `json:"resumeId" validate:"required"`
}

type MatchScoresUpdatedPayload struct {
	UserID     string    `json:"userId" validate:"required"`
	Count      int       `json:"count" validate:"gte=0"`
	ComputedAt time.Time `json:"computedAt"`
}

type NotificationRequestedPayload struct {
	UserID string   `json:"userId" validate:"required"`
	Date   string   `json:"date" validate:"required,datetime=2006-01-02"`
	JobIDs []string `json:"jobIds" validate:"required,min=1,dive,required"`
}

// Decode unmarshals the envelope payload into target and validates it.
// Every failure is rejected: a malformed payload never becomes valid on retry.
func Decode(env Envelope, target any) error {
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	if err := dec.Decode(target); err != nil {
		return Reject(fmt.Errorf("decode %s payload: %w", env.Type, err))
	}

	if err := validate.Struct(target); err != nil {
		return Reject(fmt.Errorf("validate %s payload: %w", env.Type, err))
	}

	return nil
}
