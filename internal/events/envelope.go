package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind. Handlers are registered per type.
type Type string

const (
	AccountCreated       Type = "account.created"
	AccountUpdated       Type = "account.updated"
	AccountDeleted       Type = "account.deleted"
	ResumeUploaded       Type = "resume.uploaded"
	PreferencesUpdated   Type = "preferences.updated"
	NotificationsUpdated Type = "notifications.updated"
	DigestTick           Type = "digest.tick"

	ResumeChanged         Type = "resume.changed"
	MatchScoresUpdated    Type = "matchscores.updated"
	NotificationRequested Type = "notification.requested"
	DigestUser            Type = "digest.user"
	DigestPage            Type = "digest.page"
)

// DigestPartition is the lane used by digest ticks and their page
// continuations, which belong to no user.
const DigestPartition = "digest"

var inbound = map[Type]bool{
	AccountCreated:       true,
	AccountUpdated:       true,
	AccountDeleted:       true,
	ResumeUploaded:       true,
	PreferencesUpdated:   true,
	NotificationsUpdated: true,
	DigestTick:           true,
}

// IsInbound reports whether external producers may submit events of type t.
func IsInbound(t Type) bool {
	return inbound[t]
}

// Envelope is the immutable unit of work routed by the dispatcher.
type Envelope struct {
	ID             uuid.UUID       `json:"id"`
	Type           Type            `json:"type"`
	PartitionKey   string          `json:"partitionKey"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// Key derives an idempotency key from the event type, the id of the entity the
// event is about, and that entity's version or timestamp.
func Key(t Type, sourceID, version string) string {
	return fmt.Sprintf("%s:%s:%s", t, strings.TrimSpace(sourceID), strings.TrimSpace(version))
}

// New builds an envelope whose idempotency key is derived from
// (t, partitionKey, version).
func New(t Type, partitionKey, version string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	env := Envelope{
		ID:             uuid.New(),
		Type:           t,
		PartitionKey:   partitionKey,
		IdempotencyKey: Key(t, partitionKey, version),
		Payload:        raw,
		OccurredAt:     time.Now().UTC(),
	}

	return env, env.Validate()
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	var errs []error
	if strings.TrimSpace(string(e.Type)) == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		errs = append(errs, errors.New("idempotency key is required"))
	}
	if strings.TrimSpace(e.PartitionKey) == "" {
		errs = append(errs, errors.New("partition key is required"))
	}
	if len(e.Payload) == 0 {
		errs = append(errs, errors.New("payload is required"))
	}

	return errors.Join(errs...)
}

// Normalize fills in the id and timestamp of envelopes that arrived without them.
func (e Envelope) Normalize() Envelope {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.PartitionKey == "" {
		e.PartitionKey = PartitionFor(e.Type, e.Payload)
	}
	return e
}

// PartitionFor picks the lane for an inbound payload: the user it concerns,
// or the digest lane for ticks. An empty string means the payload names no user.
func PartitionFor(t Type, payload json.RawMessage) string {
	if t == DigestTick || t == DigestPage {
		return DigestPartition
	}

	var ids struct {
		IdentityID string `json:"identityId"`
		UserID     string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil {
		return ""
	}
	if ids.UserID != "" {
		return ids.UserID
	}
	return ids.IdentityID
}
