package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForSocket blocks until path exists, the timeout elapses, or ctx is
// cancelled. It watches the parent directory for creation events with a
// slow stat poll as a fallback: the compatibility server creates its
// socket with bind(2), which some kernels report as Create and some only
// via Chmod.
func WaitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	// The socket may have appeared between the first stat and the watch.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("socket %s did not appear within %s", path, timeout)
		case ev := <-watcher.Events:
			if ev.Name == path {
				if _, err := os.Stat(path); err == nil {
					return nil
				}
			}
		case err := <-watcher.Errors:
			if err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		case <-poll.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}
