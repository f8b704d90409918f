package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/genkan/internal/store"
)

// TempPrefix marks locally minted placeholder tokens. A placeholder only
// keys local state; it is never sent to a backend as a resume target.
const TempPrefix = "temp_"

// Session is the in-memory view of one (user, workdir) conversation.
type Session struct {
	UserID    int64
	Workdir   string
	Token     string
	State     store.SessionState
	CreatedAt time.Time
	LastUsed  time.Time
}

// Key returns the lock/busy key for this session.
func (s *Session) Key() string {
	return Key(s.UserID, s.Workdir)
}

// Key builds the per-(user, workdir) identity used for locking and storage.
func Key(userID int64, workdir string) string {
	return fmt.Sprintf("%d:%s", userID, workdir)
}

// ResumeToken returns the token to pass to a backend, or "" when the
// session holds nothing safely resumable.
func (s *Session) ResumeToken() string {
	if s.State != store.SessionResumable {
		return ""
	}
	if strings.HasPrefix(s.Token, TempPrefix) {
		return ""
	}
	return s.Token
}

// Temporary reports whether the session still holds a placeholder token.
func (s *Session) Temporary() bool {
	return s.State == store.SessionTemporary
}
