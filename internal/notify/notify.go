// Package notify carries user-facing notices (toasts) out of the collection
// layer. Delivery is best effort; callers never depend on it.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prestige-merchandise/storefront/pkg/logger"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice)

func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Discard drops every notice.
var Discard Notifier = Func(func(context.Context, Notice) {})

// Log writes notices through the structured logger.
type Log struct {
	logg *logger.Logger
}

func NewLog(logg *logger.Logger) *Log {
	return &Log{logg: logg}
}

func (l *Log) Notify(ctx context.Context, n Notice) {
	if l == nil || l.logg == nil {
		return
	}
	ctx = l.logg.WithFields(ctx, map[string]any{"notice_level": string(n.Level)})
	switch n.Level {
	case LevelWarning, LevelError:
		l.logg.Warn(ctx, "notice: "+n.Message)
	default:
		l.logg.Info(ctx, "notice: "+n.Message)
	}
}

// Buffer keeps the most recent notices up to its capacity.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []Notice
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{capacity: capacity}
}

func (b *Buffer) Notify(_ context.Context, n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
	}
	b.items = append(b.items, n)
}

// Drain returns buffered notices oldest first and empties the buffer.
func (b *Buffer) Drain() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	if out == nil {
		return []Notice{}
	}
	return out
}

type fanout []Notifier

func (f fanout) Notify(ctx context.Context, n Notice) {
	for _, target := range f {
		target.Notify(ctx, n)
	}
}

// Fanout delivers each notice to every non-nil target in order.
func Fanout(targets ...Notifier) Notifier {
	out := make(fanout, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}
