// Package store defines the persistent entities of the pipeline and the
// storage contract shared by the in-memory and Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/matchflow/internal/ai"
	"github.com/spigell/matchflow/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a uniqueness violation, such as an email owned by another user.
	ErrDuplicate = errors.New("duplicate")
	// ErrUserDeleted is returned by writes that target a tombstoned user.
	ErrUserDeleted = errors.New("user deleted")
)

type User struct {
	ID          string
	Email       string
	Profile     map[string]any
	Skills      []string
	Preferences []string
	// Sequence is the highest identity-provider sequence applied to this row.
	Sequence int64
	// FieldSequences holds, per account field, the sequence of the event that
	// last wrote it.
	FieldSequences map[string]int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Live reports whether the user exists and has not been deleted.
func (u *User) Live() bool {
	return u != nil && u.DeletedAt == nil
}

type ResumeStatus string

const (
	ResumePending    ResumeStatus = "PENDING"
	ResumeSummarized ResumeStatus = "SUMMARIZED"
	ResumeFailed     ResumeStatus = "FAILED"
)

type Resume struct {
	ID            uuid.UUID
	UserID        string
	ArtifactRef   string
	ContentType   string
	SizeBytes     int64
	Text          string
	Summary       *ai.Summary
	IsDefault     bool
	Status        ResumeStatus
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var resumeNamespace = uuid.MustParse("6f1c2a4e-8a53-4c0e-9a7d-3b1f5d2e9c10")

// ResumeID derives the id of the resume created for an uploaded artifact, so
// redelivered uploads land on the same row.
func ResumeID(userID, artifactRef string) uuid.UUID {
	return uuid.NewSHA1(resumeNamespace, []byte(userID+"/"+artifactRef))
}

type JobPosting struct {
	ID             string
	Source         string
	Title          string
	Company        string
	Location       string
	EmploymentType string
	Remote         bool
	SalaryFloor    int
	Skills         []string
	Description    string
	URL            string
	PublishedAt    time.Time
	UpdatedAt      time.Time
}

type MatchScore struct {
	UserID     string
	JobID      string
	Score      float64
	ComputedAt time.Time
}

type NotificationSettings struct {
	UserID      string
	DailyDigest bool
	// DigestSize overrides the configured top-N when positive.
	DigestSize int
}

// DefaultNotificationSettings applies to users without a stored settings row.
func DefaultNotificationSettings(userID string) NotificationSettings {
	return NotificationSettings{UserID: userID, DailyDigest: true}
}

// DigestMarker records that a user's digest for Date has been handled.
type DigestMarker struct {
	UserID      string
	Date        string
	JobIDs      []string
	CompletedAt time.Time
}

// UserCursor is the keyset position of a digest page walk.
type UserCursor struct {
	CreatedAt time.Time
	ID        string
}

type Users interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// UpsertUser writes u; ErrDuplicate when the email belongs to another live user.
	UpsertUser(ctx context.Context, u *User) error
	// DeleteUser tombstones the user, creating the tombstone if the id is unknown,
	// and drops the rows the user owns apart from resumes.
	DeleteUser(ctx context.Context, id string, sequence int64) error
	SetPreferences(ctx context.Context, id string, prefs []string) error
	GetNotificationSettings(ctx context.Context, userID string) (NotificationSettings, error)
	UpsertNotificationSettings(ctx context.Context, s NotificationSettings) error
	// ListDigestUsers pages live users with the daily digest enabled in
	// (CreatedAt, ID) order, strictly after the cursor.
	ListDigestUsers(ctx context.Context, after UserCursor, limit int) ([]User, error)
}

type Resumes interface {
	GetResume(ctx context.Context, id uuid.UUID) (*Resume, error)
	// CreateResume inserts r unless a row with its id exists; created reports which.
	CreateResume(ctx context.Context, r *Resume) (created bool, err error)
	UpdateResume(ctx context.Context, r *Resume) error
	// SetDefaultResume makes id the only default resume of the user.
	SetDefaultResume(ctx context.Context, userID string, id uuid.UUID) error
	ListResumes(ctx context.Context, userID string) ([]Resume, error)
}

type Jobs interface {
	UpsertJobPosting(ctx context.Context, j *JobPosting) error
	// DeleteJobPosting removes a posting; an unknown id is not an error.
	DeleteJobPosting(ctx context.Context, id string) error
	// ListJobPostings returns up to limit postings with ID greater than afterID, ordered by ID.
	ListJobPostings(ctx context.Context, afterID string, limit int) ([]JobPosting, error)
}

type Scores interface {
	// LockUser serializes score recomputation for one user. The returned func releases it.
	LockUser(ctx context.Context, userID string) (func(), error)
	// ReplaceMatchScores atomically deletes the user's scores for jobIDs and inserts
	// scores. It fails with ErrUserDeleted when the user is gone.
	ReplaceMatchScores(ctx context.Context, userID string, jobIDs []string, scores []MatchScore) error
	// PruneMatchScores removes the user's scores computed before the given time.
	PruneMatchScores(ctx context.Context, userID string, before time.Time) (int, error)
	// ListMatchScores returns all of the user's scores, best first.
	ListMatchScores(ctx context.Context, userID string) ([]MatchScore, error)
}

type Digests interface {
	GetDigestMarker(ctx context.Context, userID, date string) (*DigestMarker, error)
	// TopUnseenScores returns the best scores at or above minScore for jobs never
	// sent to the user, ordered by score descending then job id.
	TopUnseenScores(ctx context.Context, userID string, minScore float64, limit int) ([]MatchScore, error)
	// CompleteDigest stores the seen markers for m.JobIDs and m itself in one
	// transaction. Completing an already completed day is a no-op.
	CompleteDigest(ctx context.Context, m DigestMarker) error
}

type EventLog interface {
	// BeginEvent stores env as PENDING. When the key is already known the stored
	// record is returned with created=false.
	BeginEvent(ctx context.Context, env events.Envelope) (rec *events.Record, created bool, err error)
	UpdateEvent(ctx context.Context, rec events.Record) error
	// ResetEvent moves the record back to PENDING with no attempts, but only
	// while its status is one of from. Otherwise the stored record is returned
	// with reset=false.
	ResetEvent(ctx context.Context, idempotencyKey string, from ...events.Status) (rec *events.Record, reset bool, err error)
	GetEvent(ctx context.Context, idempotencyKey string) (*events.Record, error)
	// ListEvents returns records in arrival order; limit <= 0 returns all of them.
	ListEvents(ctx context.Context, statuses []events.Status, limit int) ([]events.Record, error)
}

// Store is everything the pipeline persists.
type Store interface {
	Users
	Resumes
	Jobs
	Scores
	Digests
	EventLog
	Close()
}
