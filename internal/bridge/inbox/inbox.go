// Package inbox implements file-based message delivery. Each worker
// owns a single-reader mailbox directory; deliveries are append-only
// files the worker consumes by reading and deleting.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/claudefleet/fleet/internal/server/id"
)

// Bridge delivers messages into per-worker inbox directories.
type Bridge struct {
	baseDir string
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Bridge rooted at baseDir.
func New(baseDir string, logger *slog.Logger) *Bridge {
	return &Bridge{baseDir: baseDir, logger: logger, now: time.Now}
}

// DirFor returns a handle's inbox directory.
func (b *Bridge) DirFor(handle string) string {
	return filepath.Join(b.baseDir, "agents", handle, "inbox")
}

// Send delivers one message to a handle's inbox. The message is written
// to a temp file and renamed so the reader never observes a partial
// file. File names sort in delivery order.
func (b *Bridge) Send(handle string, msg any) error {
	dir := b.DirFor(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbox message: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", b.now().UnixNano(), id.Short())
	tmp := filepath.Join(dir, ".tmp-"+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write inbox message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("deliver inbox message: %w", err)
	}
	return nil
}

// Broadcast delivers a message to every handle, returning how many
// deliveries succeeded. Individual failures are logged and skipped.
func (b *Bridge) Broadcast(handles []string, msg any) int {
	delivered := 0
	for _, handle := range handles {
		if err := b.Send(handle, msg); err != nil {
			b.logger.Warn("broadcast delivery failed", "handle", handle, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Drain reads and deletes all pending messages in a handle's inbox, in
// delivery order. An absent inbox yields no messages.
func (b *Bridge) Drain(handle string) ([]json.RawMessage, error) {
	dir := b.DirFor(handle)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var msgs []json.RawMessage
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return msgs, fmt.Errorf("read inbox message: %w", err)
		}
		msgs = append(msgs, json.RawMessage(data))
		if err := os.Remove(path); err != nil {
			return msgs, fmt.Errorf("consume inbox message: %w", err)
		}
	}
	return msgs, nil
}

// Pending returns the number of undelivered messages in an inbox.
func (b *Bridge) Pending(handle string) int {
	entries, err := os.ReadDir(b.DirFor(handle))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

// Watch notifies on new deliveries to a handle's inbox until ctx is
// done. The channel carries delivered file paths and is closed when the
// watch ends.
func (b *Bridge) Watch(ctx context.Context, handle string) (<-chan string, error) {
	dir := b.DirFor(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Renames complete atomic deliveries; temp files are skipped.
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if strings.HasPrefix(filepath.Base(ev.Name), ".") {
					continue
				}
				select {
				case ch <- ev.Name:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("inbox watch error", "handle", handle, "error", err)
			}
		}
	}()
	return ch, nil
}
