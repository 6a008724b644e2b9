// Package runlock serializes whole runs. The cache database and the
// mirror trees are mutated without any internal locking, so two scheduled
// runs overlapping (a slow sync still going when the next cron fire
// arrives) must be excluded at process level.
package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/plexmirror/plexmirror/pkg/plog"
)

// Content is the JSON state written to the lock file, identifying the
// holder for diagnostics and staleness checks.
type Content struct {
	PID        int64     `json:"pid"`
	AppID      string    `json:"appID"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive reports that another run currently holds the lock.
type ErrLockActive struct {
	PID       int64
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("another run is active, held by PID %d (App: %s), last updated %s ago",
		e.PID, e.AppID, e.TimeSince.Truncate(time.Second))
}

// Lock is one held run lock. Release it at the end of the run.
type Lock struct {
	path    string
	content Content
	// The context stops the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	held   bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is a multiple of the heartbeat so one missed beat does
	// not get a live lock stolen.
	staleTimeout = 3 * heartbeatInterval
)

// Acquire takes the run lock at the given path, stealing it if the
// previous holder is stale or left a corrupt file behind. A held, fresh
// lock yields *ErrLockActive.
func Acquire(ctx context.Context, path, appID string) (*Lock, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryCreate(path, appID)
		if err == nil {
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file %s: %w", path, err)
		}

		// The file exists; decide whether the holder is still alive.
		content, readErr := readContent(path)
		if readErr != nil {
			plog.Warn("Found unreadable lock file, treating as stale", "path", path, "error", readErr)
		} else if elapsed := time.Since(content.LastUpdate); elapsed < staleTimeout {
			return nil, &ErrLockActive{PID: content.PID, AppID: content.AppID, TimeSince: elapsed}
		} else {
			plog.Warn("Found stale lock, taking over", "pid", content.PID, "age", elapsed)
		}

		// Remove the stale file and retry the exclusive create; a
		// concurrent taker simply wins the next O_EXCL race.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
		}
	}

	return nil, fmt.Errorf("failed to acquire run lock after %d attempts (contention)", maxAttempts)
}

// tryCreate attempts the atomic O_EXCL creation that guarantees a single
// winner.
func tryCreate(path, appID string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content := Content{
		PID:        int64(os.Getpid()),
		AppID:      appID,
		LastUpdate: time.Now().UTC(),
	}
	if err := writeContent(f, content); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    path,
		content: content,
		ctx:     hbCtx,
		cancel:  cancel,
		held:    true,
	}, nil
}

// Release stops the heartbeat and removes the lock file. Safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
	} else {
		plog.Debug("Run lock released", "path", l.path)
	}
	l.held = false
}

// heartbeat keeps the lock's timestamp fresh so a long sync is not
// mistaken for a dead one.
func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateContent(l.path, l.content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateContent rewrites the lock file in place. The file is small enough
// that a torn read on the other side degrades to the stale-takeover path,
// which re-checks under O_EXCL anyway.
func updateContent(path string, content Content) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	defer f.Close()
	return writeContent(f, content)
}

func writeContent(w io.Writer, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readContent reads and decodes the lock file, retrying briefly around
// a concurrent heartbeat rewrite.
func readContent(path string) (Content, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, err
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content Content
		if err := json.Unmarshal(data, &content); err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}
	return Content{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
