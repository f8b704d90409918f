package adapter

import (
	"context"
	"sync"
)

// NullAdapter discards everything. Useful in tests and as a stand-in
// when no platform is configured.
type NullAdapter struct {
	name string

	mu   sync.Mutex
	sent []string
}

func NewNullAdapter(name string) *NullAdapter {
	if name == "" {
		name = "null"
	}
	return &NullAdapter{name: name}
}

func (a *NullAdapter) Name() string {
	return a.name
}

func (a *NullAdapter) SendMessage(ctx context.Context, chatID int64, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return nil
}

func (a *NullAdapter) Sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	copy(out, a.sent)
	return out
}

func (a *NullAdapter) Health(ctx context.Context) error {
	return nil
}
