package claude

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/harunnryd/genkan/internal/agent"
	"github.com/harunnryd/genkan/internal/errors"
	"github.com/harunnryd/genkan/internal/logger"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/oklog/ulid/v2"
)

// Messages API pricing, USD per million tokens.
const (
	inputCostPerMTok  = 3.0
	outputCostPerMTok = 15.0
)

const defaultMaxTokens = 8192

// tokenPrefix marks tokens issued by this backend.
const tokenPrefix = "api_"

// Backend talks to the Anthropic Messages API. Session resumption is
// implemented by replaying the transcript persisted under the issued
// token; the token itself is opaque to callers.
type Backend struct {
	client      anthropic.Client
	transcripts *TranscriptStore
	mapper      *errors.DefaultErrorMapper
	logger      *slog.Logger
}

func New(apiKey string, transcripts *TranscriptStore) *Backend {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &Backend{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		transcripts: transcripts,
		mapper:      errors.NewDefaultErrorMapper(),
		logger:      slog.Default().With("component", "backend.claude"),
	}
}

func (b *Backend) Name() string {
	return "claude"
}

func (b *Backend) Submit(ctx context.Context, req agent.Request, onStream agent.StreamFunc) (*agent.Result, error) {
	started := time.Now()

	var turns []Turn
	if req.ResumeToken != "" {
		loaded, err := b.transcripts.Load(req.ResumeToken)
		if err != nil {
			return nil, errors.NotFound("session token not resumable")
		}
		turns = loaded
	}
	turns = append(turns, Turn{Role: "user", Content: req.Prompt})

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}

	model := req.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, errors.Transient("malformed stream event")
		}

		if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" {
			if onStream != nil {
				if err := onStream(agent.StreamEvent{Kind: agent.StreamText, Text: event.Delta.Text}); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, b.mapper.MapError(err)
	}

	var content string
	for _, block := range acc.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += blk.Text
		case anthropic.ToolUseBlock:
			if onStream != nil {
				var input map[string]any
				if raw, err := json.Marshal(blk.Input); err == nil {
					_ = json.Unmarshal(raw, &input)
				}
				if err := onStream(agent.StreamEvent{Kind: agent.StreamTool, Tool: blk.Name, Input: input}); err != nil {
					return nil, err
				}
			}
		}
	}

	cost := float64(acc.Usage.InputTokens)/1e6*inputCostPerMTok +
		float64(acc.Usage.OutputTokens)/1e6*outputCostPerMTok

	token := req.ResumeToken
	if token == "" {
		now := time.Now()
		token = tokenPrefix + ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String()
	}

	turns = append(turns, Turn{Role: "assistant", Content: content})
	if err := b.transcripts.Save(token, turns); err != nil {
		return nil, errors.Wrap(err, "persisting transcript")
	}

	result := &agent.Result{
		Content:      content,
		SessionToken: token,
		CostUSD:      cost,
		Duration:     time.Since(started),
		NumTurns:     len(turns) / 2,
	}
	b.logger.Debug("API call completed",
		"model", model, "user_id", logger.GetUserID(ctx),
		"turns", result.NumTurns, "cost_usd", result.CostUSD,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}
