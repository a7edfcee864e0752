package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"schedd/pkg/logx"
)

const (
	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the config after its file changes, until ctx ends.
//
// The parent directory is watched so editors that save by rename are
// covered. Bursts of events collapse into one reload after the debounce
// period, and reloads run one at a time on the Watch goroutine. A failed
// watcher is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	retry := rewatchMin

	for {
		w, err := newDirWatcher(dir)
		if err == nil {
			retry = rewatchMin
			m.log.Debug("config watcher started", logx.String("dir", dir))
			err = m.watchLoop(ctx, w)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := retry/2 + rand.N(retry/2+1)
		retry = min(retry*2, rewatchMax)
		m.log.Warn("config watcher failed, retrying", logx.String("dir", dir), logx.Err(err), logx.Duration("in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchLoop returns nil when ctx ends and an error when the watcher breaks.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher) error {
	name := filepath.Base(m.path)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) != name || ev.Op&reloadOps == 0 {
				continue
			}
			m.log.Debug("config change detected", logx.String("op", ev.Op.String()))
			debounce.Reset(m.debounce)

		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow", logx.Err(err))
				debounce.Reset(m.debounce)
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}

		case <-debounce.C:
			m.reload(ctx)
		}
	}
}
