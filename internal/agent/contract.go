package agent

import (
	"context"
	"time"
)

// Request is one prompt dispatched to a backend. ResumeToken is either a
// backend-issued token or empty; locally minted placeholders are stripped
// before a request is built.
type Request struct {
	Prompt       string
	Workdir      string
	ResumeToken  string
	Model        string
	MaxTurns     int
	AllowedTools []string
	System       string
}

// StreamEventKind discriminates live stream callbacks.
type StreamEventKind string

const (
	StreamText   StreamEventKind = "text"
	StreamTool   StreamEventKind = "tool"
	StreamResult StreamEventKind = "result"
)

// StreamEvent is one live update surfaced during a backend call.
type StreamEvent struct {
	Kind  StreamEventKind
	Text  string
	Tool  string
	Input map[string]any
}

// StreamFunc receives live updates. A non-nil error aborts the call; the
// backends use this to let the tool monitor veto tool activity.
type StreamFunc func(StreamEvent) error

// Result is the uniform outcome of a completed backend call.
type Result struct {
	Content      string
	SessionToken string
	CostUSD      float64
	Duration     time.Duration
	NumTurns     int
}

// Backend executes prompts against one AI engine. Implementations issue
// their own opaque session tokens; callers treat them as resumption
// handles and nothing more.
type Backend interface {
	Name() string
	Submit(ctx context.Context, req Request, onStream StreamFunc) (*Result, error)
}
