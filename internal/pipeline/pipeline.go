package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/genkan/internal/errors"
)

// Inbound is one chat request entering the admission pipeline.
type Inbound struct {
	UserID   int64
	Username string
	ChatID   int64
	Token    string
	Text     string

	// RetryAfter is set by the rate stage when the request is denied.
	RetryAfter time.Duration
}

// Stage checks one admission concern. Returning an error denies the
// request and short-circuits the rest of the chain.
type Stage interface {
	Name() string
	Check(ctx context.Context, in *Inbound) error
}

// Auditor records admission decisions.
type Auditor interface {
	AppendAudit(ctx context.Context, actor, action, outcome, detail string) error
}

// Pipeline runs stages in fixed order. Every denial is audited with the
// stage that refused; allowed requests are audited once.
type Pipeline struct {
	stages []Stage
	audit  Auditor
	logger *slog.Logger
}

func New(audit Auditor, stages ...Stage) *Pipeline {
	return &Pipeline{
		stages: stages,
		audit:  audit,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// Admit runs the chain. The returned error is safe to surface to the
// user; internal detail stays in the audit log.
func (p *Pipeline) Admit(ctx context.Context, in *Inbound) error {
	actor := fmt.Sprintf("user:%d", in.UserID)

	for _, stage := range p.stages {
		if err := stage.Check(ctx, in); err != nil {
			p.auditLog(ctx, actor, "chat_message", "denied", stage.Name()+": "+err.Error())
			p.logger.Warn("Admission denied",
				"stage", stage.Name(), "user_id", in.UserID, "error", err)
			return err
		}
	}

	p.auditLog(ctx, actor, "chat_message", "allowed", "")
	return nil
}

func (p *Pipeline) auditLog(ctx context.Context, actor, action, outcome, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.AppendAudit(ctx, actor, action, outcome, detail); err != nil {
		p.logger.Error("Audit write failed", "action", action, "error", err)
	}
}

// Authenticator is the auth surface the auth stage needs.
type Authenticator interface {
	Authenticate(ctx context.Context, creds AuthCredentials) error
}

// AuthCredentials mirrors the auth package's credential shape without
// importing it, keeping stage wiring one-directional.
type AuthCredentials struct {
	UserID int64
	Token  string
}

// AuthStage verifies the sender is a known user.
type AuthStage struct {
	auth Authenticator
}

func NewAuthStage(auth Authenticator) *AuthStage {
	return &AuthStage{auth: auth}
}

func (s *AuthStage) Name() string { return "auth" }

func (s *AuthStage) Check(ctx context.Context, in *Inbound) error {
	return s.auth.Authenticate(ctx, AuthCredentials{UserID: in.UserID, Token: in.Token})
}

// Admitter is the governor surface the rate stage needs.
type Admitter interface {
	Admit(userID int64) (bool, time.Duration)
}

// RateStage enforces the per-user token bucket.
type RateStage struct {
	governor Admitter
}

func NewRateStage(governor Admitter) *RateStage {
	return &RateStage{governor: governor}
}

func (s *RateStage) Name() string { return "rate" }

func (s *RateStage) Check(_ context.Context, in *Inbound) error {
	ok, retryAfter := s.governor.Admit(in.UserID)
	if !ok {
		in.RetryAfter = retryAfter
		return fmt.Errorf("retry in %s: %w", retryAfter.Round(time.Second), errors.ErrRateLimited)
	}
	return nil
}
