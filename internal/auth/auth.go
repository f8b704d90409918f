package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/harunnryd/genkan/internal/errors"
)

// Credentials carries what an inbound request presents for authentication.
type Credentials struct {
	UserID int64
	Token  string
}

// Provider authenticates one credential shape. A provider that cannot
// speak for the credentials returns ErrUnauthorized and the manager moves
// on to the next one.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) error
}

// WhitelistProvider admits a static set of user ids.
type WhitelistProvider struct {
	allowed map[int64]bool
}

func NewWhitelistProvider(userIDs []int64) *WhitelistProvider {
	allowed := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		allowed[id] = true
	}
	return &WhitelistProvider{allowed: allowed}
}

func (p *WhitelistProvider) Name() string { return "whitelist" }

func (p *WhitelistProvider) Authenticate(_ context.Context, creds Credentials) error {
	if p.allowed[creds.UserID] {
		return nil
	}
	return errors.Unauthorized("user not on whitelist")
}

// TokenStore resolves stored token hashes.
type TokenStore interface {
	LookupTokenHash(ctx context.Context, hash string) (int64, error)
}

// TokenProvider authenticates a presented token by hashing it with the
// configured secret and comparing against the stored hash set.
type TokenProvider struct {
	secret []byte
	store  TokenStore
}

func NewTokenProvider(secret string, store TokenStore) *TokenProvider {
	return &TokenProvider{secret: []byte(secret), store: store}
}

func (p *TokenProvider) Name() string { return "token" }

// HashToken derives the stored form of a token.
func (p *TokenProvider) HashToken(token string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *TokenProvider) Authenticate(ctx context.Context, creds Credentials) error {
	if creds.Token == "" {
		return errors.Unauthorized("no token presented")
	}

	hash := p.HashToken(creds.Token)
	userID, err := p.store.LookupTokenHash(ctx, hash)
	if err != nil {
		// Same denial regardless of why the lookup failed
		return errors.Unauthorized("token not recognized")
	}
	if userID != creds.UserID {
		return errors.Unauthorized("token not recognized")
	}
	return nil
}

// Manager tries providers in registration order; the first success wins.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

func NewManager(providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		logger:    slog.Default().With("component", "auth"),
	}
}

// Authenticate admits the credentials if any provider does. Denials carry
// no detail about which provider refused or why.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) error {
	for _, p := range m.providers {
		if err := p.Authenticate(ctx, creds); err == nil {
			m.logger.Debug("Authenticated", "provider", p.Name(), "user_id", creds.UserID)
			return nil
		}
	}
	return errors.Unauthorized("access denied")
}
