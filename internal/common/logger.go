package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger instance
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	// Double-check after acquiring write lock
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
			Type:             models.LogWriterTypeConsole,
			TimeFormat:       "15:04:05",
			TextOutput:       true,
			DisableTimestamp: false,
		})
	}
	return globalLogger
}

// SetupLogger initializes the arbor logger from configuration. The service's
// latest/ log directory is archived and recreated so each process start begins
// with a clean log set.
func SetupLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	service := config.ServiceName()
	latestDir, err := RotateServiceLogs(config.LogRoot(), service)
	if err != nil {
		fmt.Printf("Warning: failed to prepare log directory: %v\n", err)
	}

	logger := arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		TextOutput:       true,
		DisableTimestamp: false,
	})

	if latestDir != "" {
		logFile := filepath.Join(latestDir, "console.log")
		logger = logger.WithFileWriter(models.WriterConfiguration{
			Type:             models.LogWriterTypeFile,
			FileName:         logFile,
			TimeFormat:       "15:04:05",
			MaxSize:          int64(config.Logging.MaxSizeMB) * 1024 * 1024,
			MaxBackups:       config.Logging.MaxBackups,
			TextOutput:       true,
			DisableTimestamp: false,
		})
	}

	logger = logger.WithLevelFromString(config.Logging.Level)

	globalLogger = logger
	return logger
}

// Stop resets the global logger. Used on shutdown and between tests so a fresh
// SetupLogger call rebuilds writers.
func Stop() {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = nil
}

// ServiceName returns the log-facing service identity for this process.
// A combined api+worker process logs as "api"; a dedicated worker as "worker".
func (c *Config) ServiceName() string {
	if c.Server.Service == "worker" {
		return "worker"
	}
	return "api"
}

// ServiceLatestDir returns <log_root>/<service>/latest
func ServiceLatestDir(logRoot, service string) string {
	return filepath.Join(logRoot, service, "latest")
}

// ServiceArchiveDir returns <log_root>/<service>/archive
func ServiceArchiveDir(logRoot, service string) string {
	return filepath.Join(logRoot, service, "archive")
}

// RotateServiceLogs moves a non-empty latest/ directory to
// archive/<yyyymmdd_hhmmss>/ and recreates latest/. Returns the latest dir.
func RotateServiceLogs(logRoot, service string) (string, error) {
	latest := ServiceLatestDir(logRoot, service)

	entries, err := os.ReadDir(latest)
	if err == nil && len(entries) > 0 {
		stamp := time.Now().UTC().Format("20060102_150405")
		archive := filepath.Join(ServiceArchiveDir(logRoot, service), stamp)
		if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
			return "", fmt.Errorf("failed to create archive directory: %w", err)
		}
		if err := os.Rename(latest, archive); err != nil {
			return "", fmt.Errorf("failed to archive previous logs: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(latest, "subprocess"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", latest, err)
	}
	return latest, nil
}

// GetLogFilePath returns the configured log file path from the logger
func GetLogFilePath(logger arbor.ILogger) string {
	if logger != nil {
		if logFilePath := logger.GetLogFilePath(); logFilePath != "" {
			return logFilePath
		}
	}
	return ""
}
