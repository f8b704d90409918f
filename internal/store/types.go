package store

import "time"

// User is a known chat user and their standing.
type User struct {
	ID        int64
	Username  string
	Active    bool
	TotalCost float64
	CreatedAt time.Time
}

// SessionState tracks how a persisted session token may be used.
type SessionState string

const (
	// SessionTemporary holds a local placeholder token that must never be
	// sent to a backend as a resume target.
	SessionTemporary SessionState = "temporary"
	// SessionResumable holds a backend-issued token safe to resume with.
	SessionResumable SessionState = "resumable"
	// SessionInvalidated marks a token the backend refused or the user reset.
	SessionInvalidated SessionState = "invalidated"
)

// SessionRecord is the persisted session row, keyed by (user, workdir).
type SessionRecord struct {
	UserID    int64
	Workdir   string
	Token     string
	State     SessionState
	CreatedAt time.Time
	LastUsed  time.Time
}

// AuditEntry is one append-only admission or governance decision.
type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// Charge is one ledger entry of backend-reported spend.
type Charge struct {
	UserID     int64
	AmountUSD  float64
	RecordedAt time.Time
}
