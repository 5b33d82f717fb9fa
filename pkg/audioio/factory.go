package audioio

import (
	"fmt"
	"log/slog"
)

// NewSource creates an audio source. BackendAuto picks exec when the
// platform recorder is installed and mock otherwise.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := resolve(cfg.Backend)
	logger.Info("creating audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendExec:
		return NewExecSource(cfg, logger), nil
	default:
		return nil, fmt.Errorf("audioio: unsupported source backend: %s", backend)
	}
}

// NewSink creates an audio sink.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := resolve(cfg.Backend)
	logger.Info("creating audio sink",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"device", cfg.Device,
	)

	switch backend {
	case BackendMock:
		return NewMockSink(cfg, logger), nil
	case BackendExec:
		return NewExecSink(cfg, logger), nil
	default:
		return nil, fmt.Errorf("audioio: unsupported sink backend: %s", backend)
	}
}

func resolve(b Backend) Backend {
	if b != BackendAuto && b != "" {
		return b
	}
	if execAvailable() {
		return BackendExec
	}
	return BackendMock
}

// AvailableBackends returns the list of backends usable on this host.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if execAvailable() {
		backends = append(backends, BackendExec)
	}
	return backends
}
