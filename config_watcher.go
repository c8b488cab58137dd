package registrar

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches the configuration file and applies the one
// runtime-adjustable governance parameter, the timelock duration, when
// the file changes. Edits that fail to parse or fall outside the
// configured bounds are logged and ignored; the running configuration
// is never replaced with a broken one.
type ConfigWatcher struct {
	path       string
	owner      string
	governance *Governance
	logger     Logger
	watcher    *fsnotify.Watcher
	done       chan struct{}
}

// NewConfigWatcher creates a watcher for the config file at path,
// applying timelock changes to governance as the owning authority.
func NewConfigWatcher(path, owner string, governance *Governance, logger Logger) (*ConfigWatcher, error) {
	if governance == nil {
		return nil, ErrGovernanceNil
	}
	if logger == nil {
		logger = NopLogger{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file so atomic
	// rename-into-place editors keep triggering events.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	return &ConfigWatcher{
		path:       path,
		owner:      owner,
		governance: governance,
		logger:     logger,
		watcher:    watcher,
		done:       make(chan struct{}),
	}, nil
}

// Run processes file events until the context is canceled or the
// watcher is closed.
func (w *ConfigWatcher) Run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "path", w.path, "error", err)
		}
	}
}

// Close stops watching and waits for Run to return.
func (w *ConfigWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("Ignoring unreadable config change", "path", w.path, "error", err)
		return
	}

	current := w.governance.TimelockDuration()
	if cfg.Governance.TimelockDuration == current {
		return
	}

	err = w.governance.SetTimelockDuration(ctx, cfg.Governance.TimelockDuration, w.owner)
	switch {
	case err == nil:
		w.logger.Info("Timelock updated from config file", "path", w.path, "duration", cfg.Governance.TimelockDuration)
	case errors.Is(err, ErrInvalidArgument):
		w.logger.Warn("Ignoring out-of-bounds timelock in config file", "path", w.path, "duration", cfg.Governance.TimelockDuration)
	default:
		w.logger.Error("Failed to apply timelock from config file", "path", w.path, "error", err)
	}
}
