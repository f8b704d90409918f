package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/genkan/internal/agent"
	"github.com/harunnryd/genkan/internal/bus"
	"github.com/harunnryd/genkan/internal/logger"
	"github.com/harunnryd/genkan/internal/scheduler"
	"github.com/harunnryd/genkan/internal/webhook"
)

const maxEmbeddedBodyBytes = 4096

// Response is published on the bus after a background run completes.
// Correlation carries through from the triggering event so a delivery can
// be traced end to end. Failed runs publish too, with Err set; background
// triggers are never retried, so the failure surfaces here or nowhere.
type Response struct {
	Content string
	ChatIDs []int64
	Origin  string
	CostUSD float64
	Err     string
}

// Runner is the facade surface the handler needs.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest, onStream agent.StreamFunc) (*agent.Result, error)
}

type EventBus interface {
	Subscribe(kind bus.Kind, h bus.Handler)
	Publish(evt bus.Event)
}

type Options struct {
	ServiceUserID  int64
	DefaultWorkdir string
	RunTimeout     time.Duration
}

// Handler turns webhook and scheduled trigger events into background
// agent runs. External triggers never pass through chat admission; the
// webhook server and scheduler have already vetted them.
type Handler struct {
	runner Runner
	bus    EventBus
	opts   Options
	logger *slog.Logger
}

func New(runner Runner, eventBus EventBus, opts Options) *Handler {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	return &Handler{
		runner: runner,
		bus:    eventBus,
		opts:   opts,
		logger: slog.Default().With("component", "handler"),
	}
}

// Register attaches the handler to its trigger kinds.
func (h *Handler) Register() {
	h.bus.Subscribe(bus.KindWebhook, h.onWebhook)
	h.bus.Subscribe(bus.KindScheduled, h.onScheduled)
}

func (h *Handler) onWebhook(evt bus.Event) error {
	payload, ok := evt.Payload.(webhook.Payload)
	if !ok {
		return fmt.Errorf("unexpected webhook payload type %T", evt.Payload)
	}

	prompt := webhookPrompt(payload)
	return h.execute(evt, prompt, h.opts.DefaultWorkdir, nil)
}

func (h *Handler) onScheduled(evt bus.Event) error {
	payload, ok := evt.Payload.(scheduler.Payload)
	if !ok {
		return fmt.Errorf("unexpected scheduled payload type %T", evt.Payload)
	}

	workdir := payload.Workdir
	if workdir == "" {
		workdir = h.opts.DefaultWorkdir
	}
	return h.execute(evt, payload.Prompt, workdir, payload.ChatIDs)
}

func (h *Handler) execute(evt bus.Event, prompt, workdir string, chatIDs []int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RunTimeout)
	defer cancel()
	ctx = logger.WithCorrelationID(ctx, evt.CorrelationID)
	ctx = logger.WithUserID(ctx, h.opts.ServiceUserID)

	result, err := h.runner.Run(ctx, agent.RunRequest{
		UserID:     h.opts.ServiceUserID,
		Workdir:    workdir,
		Prompt:     prompt,
		Background: true,
	}, nil)
	if err != nil {
		h.logger.Error("Background run failed",
			"kind", evt.Kind, "origin", evt.Origin, "correlation_id", evt.CorrelationID, "error", err)
		h.bus.Publish(bus.NewEvent(bus.KindAgentResponse, evt.Origin, evt.CorrelationID, Response{
			ChatIDs: chatIDs,
			Origin:  evt.Origin,
			Err:     err.Error(),
		}))
		return err
	}

	out := bus.NewEvent(bus.KindAgentResponse, evt.Origin, evt.CorrelationID, Response{
		Content: result.Content,
		ChatIDs: chatIDs,
		Origin:  evt.Origin,
		CostUSD: result.CostUSD,
	})
	h.bus.Publish(out)

	h.logger.Info("Background run completed",
		"kind", evt.Kind, "origin", evt.Origin, "correlation_id", evt.CorrelationID,
		"cost_usd", result.CostUSD)
	return nil
}

// webhookPrompt renders a delivery into a prompt the agent can act on.
// Oversized bodies are truncated rather than dropped.
func webhookPrompt(p webhook.Payload) string {
	body := compactBody(p.Body)
	if p.Event != "" {
		return fmt.Sprintf("A %q webhook arrived from %s. Review the payload and take any action it calls for.\n\nPayload:\n%s",
			p.Event, p.Provider, body)
	}
	return fmt.Sprintf("A webhook arrived from %s. Review the payload and take any action it calls for.\n\nPayload:\n%s",
		p.Provider, body)
}

func compactBody(raw json.RawMessage) string {
	var buf []byte
	if compacted, err := json.Marshal(json.RawMessage(raw)); err == nil {
		buf = compacted
	} else {
		buf = raw
	}
	if len(buf) > maxEmbeddedBodyBytes {
		buf = buf[:maxEmbeddedBodyBytes]
		return string(buf) + "\n... (truncated)"
	}
	return string(buf)
}
