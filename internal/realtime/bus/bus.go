package bus

import (
	"context"
	"sync"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime"
)

// Bus carries realtime messages between processes: workers publish, API
// processes forward into their local hub.
type Bus interface {
	Publish(ctx context.Context, msg realtime.Message) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error
	Close() error
}

// Memory is the single-process bus.
type Memory struct {
	mu   sync.RWMutex
	subs []func(realtime.Message)
}

func NewMemory() *Memory { return &Memory{} }

func (b *Memory) Publish(ctx context.Context, msg realtime.Message) error {
	b.mu.RLock()
	subs := append([]func(realtime.Message){}, b.subs...)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

func (b *Memory) StartForwarder(ctx context.Context, onMsg func(m realtime.Message)) error {
	b.mu.Lock()
	b.subs = append(b.subs, onMsg)
	b.mu.Unlock()
	return nil
}

func (b *Memory) Close() error { return nil }
