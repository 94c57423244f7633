package storage

import (
	"context"
	"time"
)

// PendingConfirmation marks a target whose confirmation job is already armed.
type PendingConfirmation struct {
	TargetID      string
	SubredditName string
	ScheduledAt   time.Time
	FireAt        time.Time
}

// UnbanRecord marks a recently unbanned user. Presence suppresses enforcement.
type UnbanRecord struct {
	Username   string
	UnbannedAt time.Time
}

// ActionRecord marks content this system has enforced against.
type ActionRecord struct {
	TargetID   string
	ActionedAt time.Time
}

// ModStatus caches whether a username moderates the subreddit.
type ModStatus struct {
	Username    string
	IsModerator bool
	CheckedAt   time.Time
}

// AllowListEntry is a member of the reconciliation set ordered by NextCheckAt.
type AllowListEntry struct {
	Username    string
	NextCheckAt time.Time
}

// JobRecord is the persisted form of a scheduled job.
type JobRecord struct {
	ID        string
	Name      string
	RunAt     time.Time // next fire time; for cron jobs, the next tick
	Cron      string    // empty for one-off jobs
	Payload   []byte
	CreatedAt time.Time
}

// Store is the persistence interface for the guard.
// Expiring records are written with an absolute expiry; an expiry in the past
// is a no-op write and reads never return expired records.
type Store interface {
	// Dedup markers
	PendingExists(ctx context.Context, targetID string) (bool, error)
	PendingRecord(ctx context.Context, p PendingConfirmation, expiresAt time.Time) error
	PendingDelete(ctx context.Context, targetID string) error

	// Grace period
	UnbanExists(ctx context.Context, username string) (bool, error)
	UnbanRecord(ctx context.Context, r UnbanRecord, expiresAt time.Time) error

	// Idempotency markers
	ActionExists(ctx context.Context, targetID string) (bool, error)
	ActionRecord(ctx context.Context, r ActionRecord, expiresAt time.Time) error

	// Mod note de-duplication
	ModNoteExists(ctx context.Context, username string) (bool, error)
	ModNoteRecord(ctx context.Context, username string, expiresAt time.Time) error

	// Moderator roster cache
	GetModStatus(ctx context.Context, username string) (*ModStatus, error)
	SetModStatus(ctx context.Context, s ModStatus, expiresAt time.Time) error

	// One-shot flags (never expire)
	FlagIsSet(ctx context.Context, name string) (bool, error)
	FlagSet(ctx context.Context, name string) error

	// Allow-list ordered set, scored by NextCheckAt
	AllowListAdd(ctx context.Context, username string, nextCheckAt time.Time) error
	AllowListRemove(ctx context.Context, username string) error
	AllowListExists(ctx context.Context, username string) (bool, error)
	AllowListDue(ctx context.Context, now time.Time) ([]AllowListEntry, error)
	AllowListPeek(ctx context.Context) (*AllowListEntry, error)

	// Scheduled jobs
	JobPut(ctx context.Context, job JobRecord) error
	JobDelete(ctx context.Context, id string) error
	// JobTake deletes a job and reports whether this caller removed it.
	JobTake(ctx context.Context, id string) (bool, error)
	JobList(ctx context.Context) ([]JobRecord, error)

	// Janitor helpers
	PruneExpired(ctx context.Context) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
