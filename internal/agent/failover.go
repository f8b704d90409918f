package agent

import (
	"context"
	"log/slog"

	"github.com/harunnryd/genkan/internal/errors"
)

// Failover dispatches to the primary backend and retries transient
// failures on the fallback exactly once. Resume tokens are backend-scoped,
// so a fallback attempt always starts a fresh session.
type Failover struct {
	primary  Backend
	fallback Backend
	enabled  bool
	logger   *slog.Logger
}

func NewFailover(primary, fallback Backend, enabled bool) *Failover {
	return &Failover{
		primary:  primary,
		fallback: fallback,
		enabled:  enabled && fallback != nil,
		logger:   slog.Default().With("component", "failover"),
	}
}

// Primary returns the primary backend's name.
func (f *Failover) Primary() string {
	return f.primary.Name()
}

// Submit runs the request. allowFallback is false for background calls
// (webhook and scheduled triggers), which fail fast instead.
func (f *Failover) Submit(ctx context.Context, req Request, onStream StreamFunc, allowFallback bool) (*Result, error) {
	result, err := f.primary.Submit(ctx, req, onStream)
	if err == nil {
		return result, nil
	}

	if !f.enabled || !allowFallback || !errors.IsRetryable(err) || ctx.Err() != nil {
		return nil, err
	}

	f.logger.Warn("Primary backend failed, attempting fallback",
		"primary", f.primary.Name(), "fallback", f.fallback.Name(), "error", err)

	// Tokens do not transfer across backends
	fresh := req
	fresh.ResumeToken = ""

	result, fbErr := f.fallback.Submit(ctx, fresh, onStream)
	if fbErr != nil {
		f.logger.Error("Fallback backend also failed", "error", fbErr)
		return nil, errors.Wrap(fbErr, "fallback after "+err.Error())
	}
	return result, nil
}
