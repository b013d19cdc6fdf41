// Package logger keeps a bounded in-memory history of log records for
// operators (GET /api/logs and the /ws/status feed) and plugs into
// log/slog as a handler that tees every record into that history.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Message represents a single log message
type Message struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Level     string    `json:"level"` // info, warning, error, debug
}

// Logger manages in-memory log messages
type Logger struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
	seq      uint64
}

// New creates a new logger with specified max message count
func New(maxSize int) *Logger {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &Logger{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Log adds a new message to the logger
func (l *Logger) Log(level, text string) {
	l.add(time.Now(), level, text)
}

func (l *Logger) add(ts time.Time, level, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.messages = append(l.messages, Message{
		Seq:       l.seq,
		Timestamp: ts,
		Text:      text,
		Level:     level,
	})

	// Keep only the last maxSize messages
	if len(l.messages) > l.maxSize {
		l.messages = l.messages[len(l.messages)-l.maxSize:]
	}
}

// GetRecent returns the most recent n messages (newest first)
func (l *Logger) GetRecent(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.messages) || n < 0 {
		n = len(l.messages)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = l.messages[len(l.messages)-1-i]
	}
	return result
}

// GetAll returns all messages (newest first)
func (l *Logger) GetAll() []Message {
	return l.GetRecent(-1)
}

// Since returns messages with a sequence number greater than seq, oldest
// first.
func (l *Logger) Since(seq uint64) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Message
	for _, msg := range l.messages {
		if msg.Seq > seq {
			result = append(result, msg)
		}
	}
	return result
}

// Handler is a slog.Handler that records into a Logger and forwards to
// another handler.
type Handler struct {
	ring   *Logger
	next   slog.Handler
	prefix string // rendered attrs from WithAttrs/WithGroup
	group  string
}

// NewHandler tees records into ring and next.
func NewHandler(ring *Logger, next slog.Handler) *Handler {
	return &Handler{ring: ring, next: next}
}

// NewSlog builds the process logger: a text or JSON handler on w at level,
// teed into ring.
func NewSlog(w io.Writer, format string, level slog.Level, ring *Logger) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if strings.EqualFold(format, "json") {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewHandler(ring, base))
}

// ParseLevel maps a config string to a slog level; unknown values are info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	h.ring.add(r.Time, levelName(r.Level), b.String())
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	return &Handler{ring: h.ring, next: h.next.WithAttrs(attrs), prefix: b.String(), group: h.group}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{ring: h.ring, next: h.next.WithGroup(name), prefix: h.prefix, group: group}
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warning"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
