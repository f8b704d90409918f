package adapter

import "context"

// InboundMessage is one chat message received from a platform.
type InboundMessage struct {
	Provider string
	UserID   int64
	Username string
	ChatID   int64
	Text     string
}

// MessageHandler receives inbound messages. Keeping this a function type
// avoids a dependency cycle between adapters and the orchestrator.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// InputAdapter receives messages from an external chat platform.
type InputAdapter interface {
	Name() string

	// Start begins listening, long-poll or server. Must respect context
	// cancellation.
	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	Health(ctx context.Context) error
}

// OutputAdapter sends messages to an external chat platform.
type OutputAdapter interface {
	Name() string

	// SendMessage delivers text to one recipient. Adapters bound to a
	// fixed destination may ignore chatID.
	SendMessage(ctx context.Context, chatID int64, text string) error

	Health(ctx context.Context) error
}
