package store

import "time"

// Credentials is one row of connected_accounts: the tokens and settings the
// pipeline holds for a single (user, source) pair. Acquiring them (the OAuth
// dance) happens elsewhere; the pipeline only reads them and writes back
// rotations observed mid-sync.
type Credentials struct {
	UserID       int64
	SourceType   string
	AccessToken  string
	RefreshToken string
	TokenExpiry  *time.Time
	Settings     map[string]string
	UpdatedAt    time.Time
}

// Watermark is the durable progress cursor for one (user, source, scope)
// unit. The cursor is opaque: a Gmail history id, a "etag|event id" pair,
// or a Slack timestamp, depending on the source.
type Watermark struct {
	UserID     int64
	SourceType string
	ScopeKey   string
	Cursor     string
	UpdatedAt  time.Time
}

type Task struct {
	ID             string
	UserID         int64
	Title          string
	Description    string
	Priority       string
	DueDate        *time.Time
	IsCompleted    bool
	SourceID       string
	SourceMetadata map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskUpsert carries the mutable fields of a task keyed by SourceID.
type TaskUpsert struct {
	SourceID    string
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time
	Metadata    map[string]string
}

const (
	PriorityLow       = "low"
	PriorityMedium    = "medium"
	PriorityImportant = "important"
)

// NormalizePriority maps arbitrary classifier output onto the task priority
// enum, defaulting to medium.
func NormalizePriority(p string) string {
	switch p {
	case PriorityLow, PriorityMedium, PriorityImportant:
		return p
	case "high", "urgent", "critical":
		return PriorityImportant
	default:
		return PriorityMedium
	}
}
