package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/genkan/internal/adapter"
	"github.com/harunnryd/genkan/internal/agent"
	"github.com/harunnryd/genkan/internal/errors"
	"github.com/harunnryd/genkan/internal/logger"
	"github.com/harunnryd/genkan/internal/pipeline"
)

// Admitter runs the chat admission pipeline.
type Admitter interface {
	Admit(ctx context.Context, in *pipeline.Inbound) error
}

// Runner is the facade surface for live chat runs.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest, onStream agent.StreamFunc) (*agent.Result, error)
}

// SessionControl exposes the session operations chat commands need.
type SessionControl interface {
	Reset(ctx context.Context, userID int64, workdir string) error
	Busy(userID int64, workdir string) bool
}

// Replier delivers chat replies, chunked and rate limited.
type Replier interface {
	Deliver(ctx context.Context, chatID int64, content string) error
}

// Users keeps the user table current.
type Users interface {
	EnsureUser(ctx context.Context, userID int64, username string) error
}

type Options struct {
	WorkdirRoot string
}

// Orchestrator routes live chat traffic: admission, commands, facade
// runs, replies. External triggers ride the event bus and never pass
// through here.
type Orchestrator struct {
	pipeline Admitter
	runner   Runner
	sessions SessionControl
	replier  Replier
	users    Users
	opts     Options
	logger   *slog.Logger
}

func New(admitter Admitter, runner Runner, sessions SessionControl, replier Replier, users Users, opts Options) *Orchestrator {
	return &Orchestrator{
		pipeline: admitter,
		runner:   runner,
		sessions: sessions,
		replier:  replier,
		users:    users,
		opts:     opts,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// HandleChat processes one inbound chat message end to end. The returned
// error is internal; user-facing outcomes go through the replier.
func (o *Orchestrator) HandleChat(ctx context.Context, msg adapter.InboundMessage) error {
	ctx = logger.WithUserID(ctx, msg.UserID)

	if o.users != nil {
		if err := o.users.EnsureUser(ctx, msg.UserID, msg.Username); err != nil {
			o.logger.Warn("Failed to record user", "user_id", msg.UserID, "error", err)
		}
	}

	in := &pipeline.Inbound{
		UserID:   msg.UserID,
		Username: msg.Username,
		ChatID:   msg.ChatID,
		Text:     msg.Text,
	}
	if err := o.pipeline.Admit(ctx, in); err != nil {
		return o.reply(ctx, msg.ChatID, denialMessage(err, in.RetryAfter))
	}

	if cmd, rest := parseCommand(msg.Text); cmd != "" {
		return o.handleCommand(ctx, msg, cmd, rest)
	}

	return o.runPrompt(ctx, msg, msg.Text)
}

func (o *Orchestrator) handleCommand(ctx context.Context, msg adapter.InboundMessage, cmd, rest string) error {
	workdir := o.workdirFor(msg.UserID)

	switch cmd {
	case "/new":
		if err := o.sessions.Reset(ctx, msg.UserID, workdir); err != nil {
			o.logger.Error("Session reset failed", "user_id", msg.UserID, "error", err)
			return o.reply(ctx, msg.ChatID, "Could not reset the session, try again.")
		}
		if rest != "" {
			// "/new <prompt>" resets then runs in the fresh session
			return o.runPrompt(ctx, msg, rest)
		}
		return o.reply(ctx, msg.ChatID, "Started a fresh session.")

	case "/status":
		state := "idle"
		if o.sessions.Busy(msg.UserID, workdir) {
			state = "busy"
		}
		return o.reply(ctx, msg.ChatID, fmt.Sprintf("Session %s, workdir %s", state, workdir))

	default:
		return o.reply(ctx, msg.ChatID, fmt.Sprintf("Unknown command %s", cmd))
	}
}

func (o *Orchestrator) runPrompt(ctx context.Context, msg adapter.InboundMessage, prompt string) error {
	result, err := o.runner.Run(ctx, agent.RunRequest{
		UserID:  msg.UserID,
		Workdir: o.workdirFor(msg.UserID),
		Prompt:  prompt,
	}, nil)
	if err != nil {
		return o.reply(ctx, msg.ChatID, denialMessage(err, 0))
	}

	content := result.Content
	if content == "" {
		content = "(no response)"
	}
	return o.reply(ctx, msg.ChatID, content)
}

func (o *Orchestrator) reply(ctx context.Context, chatID int64, content string) error {
	if err := o.replier.Deliver(ctx, chatID, content); err != nil {
		o.logger.Error("Reply delivery failed", "chat_id", chatID, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) workdirFor(userID int64) string {
	return filepath.Join(o.opts.WorkdirRoot, fmt.Sprintf("user_%d", userID))
}

// parseCommand splits "/cmd rest of text" and returns ("", "") for
// ordinary messages.
func parseCommand(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", ""
	}
	cmd, rest, _ := strings.Cut(trimmed, " ")
	return cmd, strings.TrimSpace(rest)
}

// denialMessage renders an admission or run failure for the user without
// leaking internals.
func denialMessage(err error, retryAfter time.Duration) string {
	switch {
	case errors.IsCategory(err, errors.ErrRateLimited):
		if retryAfter > 0 {
			return fmt.Sprintf("Slow down. Try again in %s.", retryAfter.Round(time.Second))
		}
		return "Slow down. Try again shortly."
	case errors.IsCategory(err, errors.ErrCostLimitExceeded):
		return "Spending limit reached. Ask an admin to raise it."
	case errors.IsCategory(err, errors.ErrSessionBusy):
		return "Still working on your previous request. Wait for it to finish or send /new."
	case errors.IsCategory(err, errors.ErrUnauthorized):
		return "You are not authorized to use this bot."
	case errors.IsCategory(err, errors.ErrSecurityViolation), errors.IsCategory(err, errors.ErrInvalidInput):
		return "That message was rejected."
	default:
		return "Something went wrong. Try again."
	}
}
