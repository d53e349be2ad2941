package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/types"
	"github.com/supporttools/pingu/pkg/util"
)

// ErrReloadInProgress is returned by TriggerReload while another reload runs.
var ErrReloadInProgress = errors.New("reload already in progress")

// ReloadCallback is called when a configuration reload is needed.
// It receives the new configuration and the diff, and should apply the changes.
type ReloadCallback func(ctx context.Context, newConfig *types.PinguConfig, diff *ConfigDiff) error

// Validator checks a freshly loaded configuration beyond what LoadConfig
// does, typically that every plugin type is registered.
type Validator func(config *types.PinguConfig) error

// ReloadCoordinator orchestrates configuration reload operations.
type ReloadCoordinator struct {
	configPath     string
	currentConfig  *types.PinguConfig
	reloadCallback ReloadCallback
	validator      Validator
	log            *logrus.Entry

	mu               sync.Mutex
	reloadInProgress bool
}

// NewReloadCoordinator creates a new reload coordinator. validator may be nil.
func NewReloadCoordinator(
	configPath string,
	initialConfig *types.PinguConfig,
	reloadCallback ReloadCallback,
	validator Validator,
) *ReloadCoordinator {
	return &ReloadCoordinator{
		configPath:     configPath,
		currentConfig:  initialConfig,
		reloadCallback: reloadCallback,
		validator:      validator,
		log:            logger.Component("reload").WithField("path", configPath),
	}
}

// TriggerReload attempts to reload the configuration from disk.
// This method is safe to call concurrently; only one reload happens at a time.
// A configuration that fails to load or validate leaves the current one active.
func (rc *ReloadCoordinator) TriggerReload(ctx context.Context) error {
	rc.mu.Lock()
	if rc.reloadInProgress {
		rc.mu.Unlock()
		return ErrReloadInProgress
	}
	rc.reloadInProgress = true
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		rc.reloadInProgress = false
		rc.mu.Unlock()
	}()

	return rc.performReload(ctx)
}

func (rc *ReloadCoordinator) performReload(ctx context.Context) error {
	startTime := time.Now()
	rc.log.Info("Configuration reload initiated")

	newConfig, err := util.LoadConfig(rc.configPath)
	if err != nil {
		rc.log.WithError(err).Warn("Configuration reload failed, keeping current configuration")
		return fmt.Errorf("failed to load config: %w", err)
	}

	if rc.validator != nil {
		if err := rc.validator(newConfig); err != nil {
			rc.log.WithError(err).Warn("Configuration validation failed, keeping current configuration")
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	rc.mu.Lock()
	diff := ComputeConfigDiff(rc.currentConfig, newConfig)
	rc.mu.Unlock()

	if !diff.HasChanges() {
		rc.log.Info("Configuration reload completed with no changes")
		return nil
	}

	if err := rc.reloadCallback(ctx, newConfig, diff); err != nil {
		rc.log.WithError(err).Error("Failed to apply configuration changes")
		return fmt.Errorf("failed to apply changes: %w", err)
	}

	rc.mu.Lock()
	rc.currentConfig = newConfig
	rc.mu.Unlock()

	rc.log.WithFields(diff.Summary()).
		WithField("duration", time.Since(startTime).Round(time.Millisecond)).
		Info("Configuration reload completed")
	return nil
}
