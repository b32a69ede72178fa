// Package broadcast implements panflux.Broadcast across processes. Each
// message is a file dropped into a shared spool directory; every endpoint
// watches the directory with fsnotify and delivers the files written by
// the others.
package broadcast

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	dirPerm  = fs.FileMode(0o700)
	filePerm = fs.FileMode(0o600)

	msgSuffix = ".msg"
	tmpPrefix = ".tmp-"

	// DefaultMaxAge is how long a message file is kept before any
	// endpoint may remove it.
	DefaultMaxAge = time.Minute
)

// Channel is one endpoint on a spool directory.
type Channel struct {
	dir     string
	id      string
	maxAge  time.Duration
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	nextID   int
	handlers map[int]func([]byte)

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithMaxAge sets how long published files are kept.
func WithMaxAge(d time.Duration) Option {
	return func(c *Channel) { c.maxAge = d }
}

// Open joins the channel in dir, creating the directory if needed. The
// endpoint receives messages until Close.
func Open(dir string, logger *slog.Logger, opts ...Option) (*Channel, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching spool directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		dir:      dir,
		id:       uuid.NewString(),
		maxAge:   DefaultMaxAge,
		logger:   logger,
		watcher:  watcher,
		handlers: make(map[int]func([]byte)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.watch(ctx)

	return c, nil
}

// ID identifies this endpoint in message file names.
func (c *Channel) ID() string {
	return c.id
}

// Publish writes msg for the other endpoints. The file is written under a
// hidden name and renamed so readers never see a partial message.
func (c *Channel) Publish(msg []byte) error {
	c.gc()

	tmp, err := os.CreateTemp(c.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating message file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(msg); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing message file: %w", err)
	}

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting message file mode: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing message file: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s%s", time.Now().UnixNano(), c.id, uuid.NewString(), msgSuffix)
	if err := os.Rename(tmpName, filepath.Join(c.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing message file: %w", err)
	}

	return nil
}

// Subscribe registers handler for messages from other endpoints.
func (c *Channel) Subscribe(handler func([]byte)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close stops watching the directory. Files already published stay until
// another endpoint collects them.
func (c *Channel) Close() error {
	c.cancel()
	err := c.watcher.Close()
	<-c.done

	return err
}

func (c *Channel) watch(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				c.handleFile(event.Name)
			}

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}

			c.logger.Warn("broadcast watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleFile delivers a message file written by another endpoint.
func (c *Channel) handleFile(path string) {
	name := filepath.Base(path)
	if !c.foreign(name) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("reading broadcast message",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)

		return
	}

	c.dispatch(data)
}

// foreign reports whether name is a complete message from another
// endpoint.
func (c *Channel) foreign(name string) bool {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, msgSuffix) {
		return false
	}

	return !strings.Contains(name, "-"+c.id+"-")
}

func (c *Channel) dispatch(msg []byte) {
	c.mu.Lock()

	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	handlers := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// gc removes message files older than maxAge, and abandoned temp files.
func (c *Channel) gc() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-c.maxAge)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, msgSuffix) && !strings.HasPrefix(name, tmpPrefix) {
			continue
		}

		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
			c.logger.Debug("removing stale broadcast message",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// DefaultDir is the spool directory for a named channel under
// ~/.panflux/broadcast.
func DefaultDir(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".panflux", "broadcast", name), nil
}
