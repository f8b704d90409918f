package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/genkan/internal/errors"
	"github.com/harunnryd/genkan/internal/logger"
	"github.com/harunnryd/genkan/internal/session"
)

// Governor is the admission surface the facade needs.
type Governor interface {
	CheckBudget(ctx context.Context, userID int64) error
	Charge(ctx context.Context, userID int64, amountUSD float64) error
}

// Sessions is the session lifecycle surface the facade needs.
type Sessions interface {
	Resolve(ctx context.Context, userID int64, workdir string) (*session.Session, error)
	Promote(ctx context.Context, s *session.Session, backendToken string) error
	Invalidate(ctx context.Context, userID int64, workdir, reason string) error
	Acquire(userID int64, workdir string) error
	Release(userID int64, workdir string)
}

// Monitor validates tool calls surfaced during a backend stream.
type Monitor interface {
	Validate(tool string, input map[string]any, workdir string, userID int64) error
}

// Identity serves persona and profile text for prompt enrichment.
type Identity interface {
	Soul() string
	Profile() string
}

// Memory recalls stored context relevant to a prompt. May be nil.
type Memory interface {
	Recall(ctx context.Context, query string) ([]string, error)
	Remember(ctx context.Context, text string, meta map[string]string) error
}

// Auditor records admission and governance decisions.
type Auditor interface {
	AppendAudit(ctx context.Context, actor, action, outcome, detail string) error
}

// RunRequest is one facade invocation on behalf of a user.
type RunRequest struct {
	UserID  int64
	Workdir string
	Prompt  string

	// Background calls (webhooks, schedules) skip the fallback attempt.
	Background bool
}

// Facade is the single entry point for AI calls. It enforces budget before
// dispatch, serializes per (user, workdir), enriches prompts, validates
// tool activity, and commits session tokens and charges only on clean
// completion.
type Facade struct {
	backends *Failover
	sessions Sessions
	governor Governor
	monitor  Monitor
	identity Identity
	memory   Memory
	audit    Auditor

	model        string
	maxTurns     int
	allowedTools []string

	logger *slog.Logger
}

type FacadeOptions struct {
	Model        string
	MaxTurns     int
	AllowedTools []string
}

func NewFacade(backends *Failover, sessions Sessions, governor Governor, monitor Monitor,
	identity Identity, memory Memory, audit Auditor, opts FacadeOptions) *Facade {
	return &Facade{
		backends:     backends,
		sessions:     sessions,
		governor:     governor,
		monitor:      monitor,
		identity:     identity,
		memory:       memory,
		audit:        audit,
		model:        opts.Model,
		maxTurns:     opts.MaxTurns,
		allowedTools: opts.AllowedTools,
		logger:       slog.Default().With("component", "facade"),
	}
}

// Run executes one prompt. onStream may be nil for background calls.
func (f *Facade) Run(ctx context.Context, req RunRequest, onStream StreamFunc) (*Result, error) {
	actor := fmt.Sprintf("user:%d", req.UserID)

	// Budget check precedes dispatch; a refused call never reaches a
	// backend and never touches the ledger
	if err := f.governor.CheckBudget(ctx, req.UserID); err != nil {
		f.auditLog(ctx, actor, "agent_run", "refused", "cost limit")
		return nil, err
	}

	if err := f.sessions.Acquire(req.UserID, req.Workdir); err != nil {
		f.auditLog(ctx, actor, "agent_run", "rejected", "session busy")
		return nil, err
	}
	defer f.sessions.Release(req.UserID, req.Workdir)

	sess, err := f.sessions.Resolve(ctx, req.UserID, req.Workdir)
	if err != nil {
		return nil, err
	}

	backendReq := Request{
		Prompt:       req.Prompt,
		Workdir:      req.Workdir,
		ResumeToken:  sess.ResumeToken(),
		Model:        f.model,
		MaxTurns:     f.maxTurns,
		AllowedTools: f.allowedTools,
		System:       f.buildSystem(ctx, req.Prompt),
	}

	guarded := f.guardStream(onStream, req)

	result, err := f.backends.Submit(ctx, backendReq, guarded, !req.Background)
	if err != nil && backendReq.ResumeToken != "" && errors.IsCategory(err, errors.ErrNotFound) {
		// The backend refused the stored token; invalidate and retry fresh
		if invErr := f.sessions.Invalidate(ctx, req.UserID, req.Workdir, "backend refused resume"); invErr != nil {
			return nil, invErr
		}
		sess, err = f.sessions.Resolve(ctx, req.UserID, req.Workdir)
		if err != nil {
			return nil, err
		}
		backendReq.ResumeToken = ""
		result, err = f.backends.Submit(ctx, backendReq, guarded, !req.Background)
	}
	if err != nil {
		f.logger.Warn("Agent run failed", "user_id", req.UserID, "workdir", req.Workdir,
			"correlation_id", logger.GetCorrelationID(ctx), "error", err)
		return nil, err
	}

	// Clean completion: commit the token, then the charge
	if result.SessionToken != "" {
		if err := f.sessions.Promote(ctx, sess, result.SessionToken); err != nil {
			return nil, err
		}
	}
	if err := f.governor.Charge(ctx, req.UserID, result.CostUSD); err != nil {
		f.logger.Error("Recording charge failed", "user_id", req.UserID, "error", err)
	}

	f.remember(ctx, req, result)
	f.auditLog(ctx, actor, "agent_run", "completed",
		fmt.Sprintf("cost=%.4f turns=%d", result.CostUSD, result.NumTurns))
	return result, nil
}

// guardStream wraps the caller's stream callback with tool validation. A
// monitor denial aborts the backend call.
func (f *Facade) guardStream(onStream StreamFunc, req RunRequest) StreamFunc {
	return func(evt StreamEvent) error {
		if evt.Kind == StreamTool && f.monitor != nil {
			if err := f.monitor.Validate(evt.Tool, evt.Input, req.Workdir, req.UserID); err != nil {
				return err
			}
		}
		if onStream != nil {
			return onStream(evt)
		}
		return nil
	}
}

// buildSystem assembles the enrichment sections. Each section is
// independently optional.
func (f *Facade) buildSystem(ctx context.Context, prompt string) string {
	var sections []string

	if f.identity != nil {
		if soul := f.identity.Soul(); soul != "" {
			sections = append(sections, "# Identity\n"+soul)
		}
		if profile := f.identity.Profile(); profile != "" {
			sections = append(sections, "# User Context\n"+profile)
		}
	}

	if f.memory != nil {
		recalled, err := f.memory.Recall(ctx, prompt)
		if err != nil {
			f.logger.Debug("Memory recall failed", "error", err)
		} else if len(recalled) > 0 {
			sections = append(sections, "# Relevant Memory\n- "+strings.Join(recalled, "\n- "))
		}
	}

	sections = append(sections, "# Current Time\n"+time.Now().Format(time.RFC1123))

	return strings.Join(sections, "\n\n")
}

func (f *Facade) remember(ctx context.Context, req RunRequest, result *Result) {
	if f.memory == nil {
		return
	}
	snippet := fmt.Sprintf("User asked: %s\nAssistant: %s", req.Prompt, result.Content)
	if err := f.memory.Remember(ctx, snippet, map[string]string{
		"user_id": fmt.Sprintf("%d", req.UserID),
		"workdir": req.Workdir,
	}); err != nil {
		f.logger.Debug("Memory store failed", "error", err)
	}
}

func (f *Facade) auditLog(ctx context.Context, actor, action, outcome, detail string) {
	if f.audit == nil {
		return
	}
	if err := f.audit.AppendAudit(ctx, actor, action, outcome, detail); err != nil {
		f.logger.Error("Audit write failed", "action", action, "error", err)
	}
}
