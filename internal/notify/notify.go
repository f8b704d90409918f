package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/harunnryd/genkan/internal/bus"
	"github.com/harunnryd/genkan/internal/config"
	"github.com/harunnryd/genkan/internal/handler"
	"github.com/harunnryd/genkan/internal/logger"
)

// Sender delivers one message to one recipient.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Subscriber interface {
	Subscribe(kind bus.Kind, h bus.Handler)
}

// Notifier fans background agent responses out to chat recipients. Each
// recipient gets its own token bucket so one noisy target cannot starve
// the rest. Undeliverable messages are logged, never silently dropped.
type Notifier struct {
	sender Sender

	defaultChatIDs []int64
	chunkLimit     int
	maxRetries     int
	retryBackoff   time.Duration
	sendTimeout    time.Duration

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	perSec   rate.Limit
	burst    int

	logger *slog.Logger
}

func New(sender Sender, cfg config.NotifyConfig) (*Notifier, error) {
	retryBackoff, err := config.DurationOrDefault(cfg.RetryBackoff, config.DefaultNotifyRetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("parse notify retry backoff: %w", err)
	}

	perSec := cfg.MessagesPerSecond
	if perSec <= 0 {
		perSec = config.DefaultNotifyMessagesPerSec
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = config.DefaultNotifyBurst
	}
	chunkLimit := cfg.ChunkLimit
	if chunkLimit <= 0 {
		chunkLimit = config.DefaultNotifyChunkLimit
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Notifier{
		sender:         sender,
		defaultChatIDs: cfg.DefaultChatIDs,
		chunkLimit:     chunkLimit,
		maxRetries:     maxRetries,
		retryBackoff:   retryBackoff,
		sendTimeout:    30 * time.Second,
		limiters:       make(map[int64]*rate.Limiter),
		perSec:         rate.Limit(perSec),
		burst:          burst,
		logger:         slog.Default().With("component", "notify"),
	}, nil
}

// Register attaches the notifier to agent response events.
func (n *Notifier) Register(sub Subscriber) {
	sub.Subscribe(bus.KindAgentResponse, n.onResponse)
}

func (n *Notifier) onResponse(evt bus.Event) error {
	resp, ok := evt.Payload.(handler.Response)
	if !ok {
		return fmt.Errorf("unexpected response payload type %T", evt.Payload)
	}
	text := resp.Content
	if resp.Err != "" {
		text = "Background run failed: " + resp.Err
	}
	if text == "" {
		return nil
	}

	targets := resp.ChatIDs
	if len(targets) == 0 {
		targets = n.defaultChatIDs
	}
	if len(targets) == 0 {
		n.logger.Warn("Response has no delivery targets, dropping",
			"origin", resp.Origin, "correlation_id", evt.CorrelationID)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout*time.Duration(len(targets)))
	defer cancel()
	ctx = logger.WithCorrelationID(ctx, evt.CorrelationID)

	var firstErr error
	for _, chatID := range targets {
		if err := n.Deliver(ctx, chatID, text); err != nil {
			n.logger.Error("Delivery failed, dropping message",
				"chat_id", chatID, "correlation_id", evt.CorrelationID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Deliver sends content to one recipient, chunked and rate limited.
func (n *Notifier) Deliver(ctx context.Context, chatID int64, content string) error {
	for _, chunk := range Chunk(content, n.chunkLimit) {
		if err := n.limiter(chatID).Wait(ctx); err != nil {
			return err
		}
		if err := n.sendWithRetry(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) sendWithRetry(ctx context.Context, chatID int64, text string) error {
	var err error
	backoff := n.retryBackoff
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = n.sender.SendMessage(ctx, chatID, text); err == nil {
			return nil
		}
		n.logger.Warn("Send attempt failed",
			"chat_id", chatID, "attempt", attempt+1,
			"correlation_id", logger.GetCorrelationID(ctx), "error", err)
	}
	return fmt.Errorf("send after %d attempts: %w", n.maxRetries+1, err)
}

func (n *Notifier) limiter(chatID int64) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()

	lim, ok := n.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(n.perSec, n.burst)
		n.limiters[chatID] = lim
	}
	return lim
}

// Chunk splits content into pieces no longer than limit, preferring line
// breaks, then word breaks, before cutting mid-word.
func Chunk(content string, limit int) []string {
	if limit <= 0 || len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	rest := content
	for len(rest) > limit {
		cut := strings.LastIndex(rest[:limit], "\n")
		if cut <= 0 {
			cut = strings.LastIndex(rest[:limit], " ")
		}
		if cut <= 0 {
			// Hard cut; back up so a multi-byte rune is never split
			cut = limit
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n "))
		rest = strings.TrimLeft(rest[cut:], "\n ")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
