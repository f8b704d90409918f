package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/genkan/internal/errors"

	"golang.org/x/time/rate"
)

// Ledger is the persistence surface the governor needs for spend tracking.
type Ledger interface {
	AddCharge(ctx context.Context, userID int64, amountUSD float64) error
	TotalSpend(ctx context.Context, userID int64) (float64, error)
}

// Governor enforces per-user request rates and a cumulative spend ceiling.
// Cleanup of stale limiter entries happens inline during Admit calls.
type Governor struct {
	mu          sync.Mutex
	users       map[int64]*userLimiter
	limit       rate.Limit
	burst       int
	ceilingUSD  float64
	ledger      Ledger
	logger      *slog.Logger
	cleanupIvl  time.Duration
	staleAfter  time.Duration
	lastCleanup time.Time
}

// userLimiter holds a rate limiter and last-seen time for a single user.
type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Options struct {
	RequestsPerSecond float64
	Burst             int
	CostCeilingUSD    float64
	CleanupInterval   time.Duration
	StaleAfter        time.Duration
}

// New creates a governor.
// RequestsPerSecond: tokens refilled per second. Burst: maximum tokens (and
// initial allowance). CostCeilingUSD <= 0 disables the spend ceiling.
func New(opts Options, ledger Ledger) *Governor {
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return &Governor{
		users:       make(map[int64]*userLimiter),
		limit:       rate.Limit(opts.RequestsPerSecond),
		burst:       opts.Burst,
		ceilingUSD:  opts.CostCeilingUSD,
		ledger:      ledger,
		logger:      slog.Default().With("component", "governor"),
		cleanupIvl:  cleanup,
		staleAfter:  stale,
		lastCleanup: time.Now(),
	}
}

// Admit checks whether a request from userID may proceed. When denied it
// returns the delay after which the next token becomes available.
func (g *Governor) Admit(userID int64) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	// Periodic cleanup of stale entries
	if now.Sub(g.lastCleanup) > g.cleanupIvl {
		for k, u := range g.users {
			if now.Sub(u.lastSeen) > g.staleAfter {
				delete(g.users, k)
			}
		}
		g.lastCleanup = now
	}

	u, exists := g.users[userID]
	if !exists {
		u = &userLimiter{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.users[userID] = u
	}

	u.lastSeen = now
	res := u.limiter.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	delay := res.Delay()
	if delay > 0 {
		// Not admissible right now; give the token back
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// CheckBudget verifies the user's cumulative spend is below the ceiling.
// Called before dispatch so a refused call never reaches a backend.
func (g *Governor) CheckBudget(ctx context.Context, userID int64) error {
	if g.ceilingUSD <= 0 || g.ledger == nil {
		return nil
	}

	spent, err := g.ledger.TotalSpend(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "reading spend ledger")
	}
	if spent >= g.ceilingUSD {
		return fmt.Errorf("spent %.4f of %.2f USD: %w", spent, g.ceilingUSD, errors.ErrCostLimitExceeded)
	}
	return nil
}

// Charge records backend-reported spend. Zero or negative amounts are
// ignored so refused or free calls never touch the ledger.
func (g *Governor) Charge(ctx context.Context, userID int64, amountUSD float64) error {
	if amountUSD <= 0 || g.ledger == nil {
		return nil
	}
	if err := g.ledger.AddCharge(ctx, userID, amountUSD); err != nil {
		return errors.Wrap(err, "recording charge")
	}
	g.logger.Debug("Charge recorded", "user_id", userID, "amount_usd", amountUSD)
	return nil
}
