// Package build houses the logging bootstrap shared by the loom binaries.
// Each internal package owns a subsystem logger that is disabled by default;
// the daemon calls InitLogging once at startup to route every subsystem
// through a common handler set.
package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
)

const (
	// DefaultMaxLogFiles is the maximum number of rotated log files kept
	// on disk.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the maximum log file size in MB before
	// rotation occurs.
	DefaultMaxLogFileSize = 20

	// DefaultLogFilename is used when no custom log file name is given.
	DefaultLogFilename = "loomd.log"
)

// LogConfig describes where and how verbosely the binaries log.
type LogConfig struct {
	// Level is the log level string, e.g. "info", "debug", "trace".
	Level string

	// LogDir, when non-empty, enables a rotating log file next to the
	// console stream.
	LogDir string

	// MaxLogFiles caps the number of rotated files kept. Zero keeps a
	// single unbounded file.
	MaxLogFiles int

	// MaxLogFileSize is the rotation threshold in megabytes.
	MaxLogFileSize int
}

// DefaultLogConfig returns the config used when the daemon is started with
// no logging flags.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:          "info",
		MaxLogFiles:    DefaultMaxLogFiles,
		MaxLogFileSize: DefaultMaxLogFileSize,
	}
}

// LogManager owns the root handler set and hands out subsystem loggers.
type LogManager struct {
	handler btclogv2.Handler
	rotator *rotator.Rotator

	mu   sync.Mutex
	subs map[string]btclogv2.Logger
}

// InitLogging builds the root handler set from the config and returns a
// manager that subsystem loggers can be created from. The caller must Close
// the manager on shutdown to flush the log file rotator.
func InitLogging(cfg LogConfig) (*LogManager, error) {
	level, ok := btclog.LevelFromString(cfg.Level)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	writers := []io.Writer{os.Stdout}

	var rot *rotator.Rotator
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}

		logFile := filepath.Join(cfg.LogDir, DefaultLogFilename)

		var err error
		rot, err = rotator.New(
			logFile, int64(cfg.MaxLogFileSize*1024),
			false, cfg.MaxLogFiles,
		)
		if err != nil {
			return nil, fmt.Errorf("create log rotator: %w", err)
		}

		writers = append(writers, rot)
	}

	handler := btclogv2.NewDefaultHandler(io.MultiWriter(writers...))
	handler.SetLevel(level)

	return &LogManager{
		handler: handler,
		rotator: rot,
		subs:    make(map[string]btclogv2.Logger),
	}, nil
}

// Subsystem returns (creating on first use) the logger for the given
// subsystem tag. Loggers are cached so repeated calls return the same
// instance.
func (m *LogManager) Subsystem(tag string) btclogv2.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subs[tag]; ok {
		return logger
	}

	logger := btclogv2.NewSLogger(m.handler.SubSystem(tag))
	m.subs[tag] = logger

	return logger
}

// SetLevel updates the level on the root handler, affecting all subsystem
// loggers.
func (m *LogManager) SetLevel(level btclog.Level) {
	m.handler.SetLevel(level)
}

// Close flushes and stops the log file rotator, if one was configured.
func (m *LogManager) Close() error {
	if m.rotator != nil {
		return m.rotator.Close()
	}

	return nil
}
