// Package logbuf keeps the most recent log records in memory so the web
// layer can show them, and persists the buffer as a JSON file on demand.
package logbuf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when the config does not set one.
const DefaultCapacity = 1000

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Buffer is a fixed-capacity ring of log entries. It implements
// slog.Handler by recording each record and forwarding it to the wrapped
// handler, so the console output stays untouched.
type Buffer struct {
	next slog.Handler

	mu      sync.Mutex
	entries []Entry
	start   int
	size    int
}

// New wraps a handler with a recording ring of the given capacity.
func New(next slog.Handler, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		next:    next,
		entries: make([]Entry, capacity),
	}
}

func (b *Buffer) Enabled(ctx context.Context, level slog.Level) bool {
	return b.next.Enabled(ctx, level)
}

func (b *Buffer) Handle(ctx context.Context, rec slog.Record) error {
	entry := Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
	}
	rec.Attrs(func(a slog.Attr) bool {
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any, rec.NumAttrs())
		}
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})
	b.append(entry)
	return b.next.Handle(ctx, rec)
}

func (b *Buffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	// The ring is shared; only the forwarding handler specializes.
	return &forwarder{buf: b, next: b.next.WithAttrs(attrs)}
}

func (b *Buffer) WithGroup(name string) slog.Handler {
	return &forwarder{buf: b, next: b.next.WithGroup(name)}
}

// forwarder keeps derived handlers writing into the shared ring.
type forwarder struct {
	buf  *Buffer
	next slog.Handler
}

func (f *forwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return f.next.Enabled(ctx, level)
}

func (f *forwarder) Handle(ctx context.Context, rec slog.Record) error {
	entry := Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
	}
	rec.Attrs(func(a slog.Attr) bool {
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any, rec.NumAttrs())
		}
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})
	f.buf.append(entry)
	return f.next.Handle(ctx, rec)
}

func (f *forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &forwarder{buf: f.buf, next: f.next.WithAttrs(attrs)}
}

func (f *forwarder) WithGroup(name string) slog.Handler {
	return &forwarder{buf: f.buf, next: f.next.WithGroup(name)}
}

func (b *Buffer) append(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size < len(b.entries) {
		b.entries[(b.start+b.size)%len(b.entries)] = entry
		b.size++
		return
	}
	// Full: overwrite the oldest.
	b.entries[b.start] = entry
	b.start = (b.start + 1) % len(b.entries)
}

// Entries returns the buffered records, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.start+i)%len(b.entries)]
	}
	return out
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear drops all buffered records.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.size = 0, 0
}

// Save writes the buffered records to a JSON file.
func (b *Buffer) Save(path string) error {
	data, err := json.MarshalIndent(b.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal log buffer: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write log buffer: %w", err)
	}
	return nil
}

// Load replaces the buffer contents with a previously saved file. Records
// beyond the capacity keep only the newest.
func (b *Buffer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read log buffer: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode log buffer: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.size = 0, 0
	if len(entries) > len(b.entries) {
		entries = entries[len(entries)-len(b.entries):]
	}
	copy(b.entries, entries)
	b.size = len(entries)
	return nil
}

// Delete removes a saved log file. A missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete log file: %w", err)
	}
	return nil
}
