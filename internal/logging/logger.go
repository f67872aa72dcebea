// Package logging provides category-scoped structured logging for machina.
// Every subsystem logs through its own category logger so operators can
// isolate one component's output (e.g. only the selector pipeline) without
// filtering a single combined stream. Logging is zap-backed; when a
// workspace root has not been initialized, categories log to stderr only.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem. Each category gets its own
// *zap.SugaredLogger and, once Initialize has been called, its own log file
// under <workspace>/.machina/logs/<category>.log in addition to stderr.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryStepLoop  Category = "steploop"
	CategoryWorkspace Category = "workspace"
	CategoryJournal   Category = "journal"
	CategoryQueue     Category = "queue"
	CategoryRegistry  Category = "registry"
	CategorySelector  Category = "selector"
	CategoryExecutor  Category = "executor"
	CategoryGenesis   Category = "genesis"
	CategoryEmbedding Category = "embedding"
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	workspace string
	debugMode bool
)

// Initialize sets the workspace root used for per-category log files and the
// debug mode (debug enables zap's debug level; otherwise info and above).
// Safe to call more than once; later calls reset all cached loggers.
func Initialize(workspaceRoot string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	workspace = workspaceRoot
	debugMode = debug
	loggers = make(map[Category]*zap.SugaredLogger)

	if workspace != "" {
		if err := os.MkdirAll(filepath.Join(workspace, ".machina", "logs"), 0o755); err != nil {
			return fmt.Errorf("logging: create log dir: %w", err)
		}
	}
	return nil
}

// Get returns (creating if needed) the sugared logger for category.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debugMode {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	if workspace != "" {
		logPath := filepath.Join(workspace, ".machina", "logs", string(category)+".log")
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}

	zl, err := cfg.Build(zap.Fields(zap.String("category", string(category))))
	if err != nil {
		// Logging must never be the reason a run fails; fall back quietly.
		zl = zap.NewExample()
	}
	sugared := zl.Sugar()
	loggers[category] = sugared
	return sugared
}

// IsDebugMode reports whether debug-level logging is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugMode
}

// Sync flushes all cached category loggers. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
}
