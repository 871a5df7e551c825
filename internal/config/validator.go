package config

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	cierrors "github.com/standardbeagle/codeintd/internal/errors"
)

// Validator validates configuration and sets smart defaults
type Validator struct{}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults.
// All problems are reported together as a MultiError of ConfigErrors.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	var errs []error

	if cfg.Project.Root == "" {
		errs = append(errs, cierrors.NewConfigError("project.root", "", errors.New("project root cannot be empty")))
	}

	errs = append(errs, v.validateTransportConfig(&cfg.Transport)...)
	errs = append(errs, v.validateIndexConfig(&cfg.Index)...)

	if cfg.ClassMap.Path == "" {
		errs = append(errs, cierrors.NewConfigError("classmap.path", "", errors.New("class map path cannot be empty")))
	}

	if err := cierrors.NewMultiError(errs).ErrorOrNil(); err != nil {
		return err
	}

	v.setSmartDefaults(cfg)
	return nil
}

func (v *Validator) validateTransportConfig(t *Transport) []error {
	var errs []error
	if t.Selector == "" {
		errs = append(errs, cierrors.NewConfigError("transport.selector", "", errors.New("transport selector cannot be empty")))
	}
	if t.ReadBufferSize < 0 {
		errs = append(errs, intError("transport.read_buffer", t.ReadBufferSize, "cannot be negative"))
	}
	if t.ReconnectIntervalMs < 0 {
		errs = append(errs, intError("transport.reconnect_interval_ms", t.ReconnectIntervalMs, "cannot be negative"))
	}
	if t.ReconnectAttempts < 0 {
		errs = append(errs, intError("transport.reconnect_attempts", t.ReconnectAttempts, "cannot be negative"))
	}
	return errs
}

func (v *Validator) validateIndexConfig(index *Index) []error {
	var errs []error
	if index.Dir == "" {
		errs = append(errs, cierrors.NewConfigError("index.dir", "", errors.New("index directory cannot be empty")))
	}
	switch index.Backend {
	case "", BackendFiles, BackendBadger:
	default:
		errs = append(errs, cierrors.NewConfigError("index.backend", index.Backend,
			fmt.Errorf("backend must be %q or %q", BackendFiles, BackendBadger)))
	}
	if index.Workers < 0 {
		errs = append(errs, intError("index.workers", index.Workers, "cannot be negative"))
	}
	if index.CheckpointEvery < 0 {
		errs = append(errs, intError("index.checkpoint_every", index.CheckpointEvery, "cannot be negative"))
	}
	if index.WatchDebounceMs < 0 {
		errs = append(errs, intError("index.watch_debounce_ms", index.WatchDebounceMs, "cannot be negative"))
	}
	for _, pattern := range index.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, cierrors.NewConfigError("index.exclude", pattern, errors.New("invalid glob pattern")))
		}
	}
	return errs
}

func intError(field string, value int, msg string) error {
	return cierrors.NewConfigError(field, strconv.Itoa(value), errors.New(msg))
}

// setSmartDefaults fills zero values with values derived from the host
func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.Project.Name == "" {
		cfg.Project.Name = "project"
	}
	if cfg.Transport.ReadBufferSize == 0 {
		cfg.Transport.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.Transport.DialTimeoutMs == 0 {
		cfg.Transport.DialTimeoutMs = DefaultDialTimeoutMs
	}
	if cfg.Transport.ReconnectBurst == 0 {
		cfg.Transport.ReconnectBurst = DefaultReconnectBurst
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendFiles
	}
	// Leave one core for the editor itself
	if cfg.Index.Workers == 0 {
		cfg.Index.Workers = max(1, runtime.NumCPU()-1)
	}
	if cfg.Index.CheckpointEvery == 0 {
		cfg.Index.CheckpointEvery = 1
	}
	if cfg.Index.WatchDebounceMs == 0 {
		cfg.Index.WatchDebounceMs = DefaultWatchDebounceMs
	}
	if cfg.Editor.ChannelVar == "" {
		cfg.Editor.ChannelVar = DefaultChannelVar
	}
}

// ValidateConfig is a convenience function for quick validation
func ValidateConfig(cfg *Config) error {
	validator := NewValidator()
	return validator.ValidateAndSetDefaults(cfg)
}
