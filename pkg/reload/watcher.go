// Package reload provides configuration hot reload: a debounced file
// watcher and a coordinator that loads, validates and applies a new
// configuration.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/types"
)

// ConfigWatcher watches a configuration file and emits one event per burst
// of changes.
type ConfigWatcher struct {
	configPath       string
	debounceInterval time.Duration
	watcher          *fsnotify.Watcher
	changeCh         chan struct{}
	log              *logrus.Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewConfigWatcher creates a watcher for configPath. A non-positive
// debounceInterval selects types.DefaultReloadDebounce.
func NewConfigWatcher(configPath string, debounceInterval time.Duration) (*ConfigWatcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if debounceInterval <= 0 {
		debounceInterval = types.DefaultReloadDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigWatcher{
		configPath:       configPath,
		debounceInterval: debounceInterval,
		watcher:          watcher,
		changeCh:         make(chan struct{}, 1),
		log:              logger.Component("reload").WithField("path", configPath),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// Start begins watching. The returned channel receives a value after the
// file has been quiet for the debounce interval following a change, and is
// closed when the watcher stops.
func (cw *ConfigWatcher) Start(ctx context.Context) (<-chan struct{}, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return nil, fmt.Errorf("watcher already running")
	}

	// Editors and config management replace the file by rename, which drops a
	// watch on the file itself; watch the directory instead.
	dir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.running = true
	go cw.processEvents(ctx)

	cw.log.WithField("debounce", cw.debounceInterval).Debug("Watching configuration file")
	return cw.changeCh, nil
}

// Stop stops watching and waits for the event loop to exit.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		_ = cw.watcher.Close()
		return
	}
	cw.running = false
	close(cw.stopCh)
	cw.mu.Unlock()

	<-cw.done
	_ = cw.watcher.Close()
}

func (cw *ConfigWatcher) processEvents(ctx context.Context) {
	defer close(cw.done)
	defer close(cw.changeCh)

	var debounceTimer *time.Timer
	var timerCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-cw.stopCh:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.isConfigFileEvent(event) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(cw.debounceInterval)
			timerCh = debounceTimer.C

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.WithError(err).Warn("File watcher error")

		case <-timerCh:
			timerCh = nil
			select {
			case cw.changeCh <- struct{}{}:
			default:
				// A change is already pending.
			}
		}
	}
}

// isConfigFileEvent reports whether event concerns the watched file, either
// directly or through a ..data symlink swap in the same directory.
func (cw *ConfigWatcher) isConfigFileEvent(event fsnotify.Event) bool {
	eventPath := filepath.Clean(event.Name)
	configPath := filepath.Clean(cw.configPath)

	if eventPath == configPath {
		return true
	}
	return filepath.Base(eventPath) == "..data" && filepath.Dir(eventPath) == filepath.Dir(configPath)
}
