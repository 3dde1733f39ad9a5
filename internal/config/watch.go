package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "crawlsched/pkg/logx"
)

const (
	reloadQuiet   = 250 * time.Millisecond
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch reloads the config whenever the file or its dotenv changes, until
// ctx is done. A burst of events collapses into one reload once the
// directory has been quiet for reloadQuiet. A broken watcher is recreated
// with exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	changes := make(chan struct{}, 1)
	go m.reloadOnQuiet(ctx, changes)

	retry := watchRetryMin
	for {
		started, err := m.watchOnce(ctx, changes)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			retry = watchRetryMin
		}
		m.log.Warn("config watcher stopped; retrying", logx.Err(err), logx.Duration("retry_in", retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
		retry = min(retry*2, watchRetryMax)
	}
}

func (m *Manager) reloadOnQuiet(ctx context.Context, changes <-chan struct{}) {
	quiet := time.NewTimer(reloadQuiet)
	quiet.Stop()
	defer quiet.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			pending = true
			quiet.Reset(reloadQuiet)
		case <-quiet.C:
			if !pending {
				continue
			}
			pending = false
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}

// watchOnce runs one fsnotify watcher on the config directory. started is
// true once the watch was established.
func (m *Manager) watchOnce(ctx context.Context, changes chan<- struct{}) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	watched := map[string]bool{
		filepath.Base(m.path):      true,
		filepath.Base(m.EnvPath()): true,
	}
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}
	m.log.Debug("config watch started", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("fsnotify events closed")
			}
			if watched[filepath.Base(ev.Name)] && ev.Op != fsnotify.Chmod {
				notify()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errors.New("fsnotify errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				notify()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
