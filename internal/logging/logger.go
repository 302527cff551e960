// Package logging provides config-driven categorized file-based logging for proofpipe.
// Logs are written to <logs_dir>/ with separate files per category.
// Logging is controlled by logging.debug_mode in proofpipe.yaml - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config resolution
	CategoryConfig    Category = "config"    // Config load, overrides, validation
	CategoryPipeline  Category = "pipeline"  // Stage scheduling and aggregation
	CategoryStages    Category = "stages"    // Stage planning (argument construction)
	CategoryRunner    Category = "runner"    // Child process lifecycle
	CategoryArtifacts Category = "artifacts" // Artifact pair staging and promotion
	CategoryBuild     Category = "build"     // Child environment construction
)

// Settings mirrors config.LoggingConfig to avoid an import cycle.
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RunID     string                 `json:"run,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory.
// Should be called once at startup; a second call replaces the settings and
// closes previously opened files.
func Initialize(dir string, s Settings) error {
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}

	CloseAll()

	configMu.Lock()
	logsDir = dir
	settings = s
	logLevel = parseLevel(s.Level)
	configMu.Unlock()

	if !s.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== proofpipe logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", s.Level)
	if len(s.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func jsonFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.JSONFormat
}

func currentLevel() int {
	configMu.RLock()
	defer configMu.RUnlock()
	return logLevel
}

func (l *Logger) write(level string, rank int, msg string, runID string, fields map[string]interface{}) {
	if l.logger == nil || currentLevel() > rank {
		return
	}
	if jsonFormat() {
		entry := StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     level,
			Message:   msg,
			RunID:     runID,
			Fields:    fields,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	switch {
	case runID != "" && len(fields) > 0:
		l.logger.Printf("[%s] [%s] %s | fields=%v", upper(level), runID, msg, fields)
	case runID != "":
		l.logger.Printf("[%s] [%s] %s", upper(level), runID, msg)
	case len(fields) > 0:
		l.logger.Printf("[%s] %s | fields=%v", upper(level), msg, fields)
	default:
		l.logger.Printf("[%s] %s", upper(level), msg)
	}
}

func upper(level string) string {
	switch level {
	case "debug":
		return "DEBUG"
	case "info":
		return "INFO"
	case "warn":
		return "WARN"
	default:
		return "ERROR"
	}
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write("debug", LevelDebug, fmt.Sprintf(format, args...), "", nil)
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("info", LevelInfo, fmt.Sprintf(format, args...), "", nil)
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("warn", LevelWarn, fmt.Sprintf(format, args...), "", nil)
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("error", LevelError, fmt.Sprintf(format, args...), "", nil)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// RunLogger tags every entry with a pipeline run ID.
type RunLogger struct {
	logger *Logger
	runID  string
	fields map[string]interface{}
}

// WithRun returns a logger bound to runID.
func WithRun(category Category, runID string) *RunLogger {
	return &RunLogger{logger: Get(category), runID: runID}
}

// WithField returns a copy carrying one more field.
func (r *RunLogger) WithField(key string, value interface{}) *RunLogger {
	fields := make(map[string]interface{}, len(r.fields)+1)
	for k, v := range r.fields {
		fields[k] = v
	}
	fields[key] = value
	return &RunLogger{logger: r.logger, runID: r.runID, fields: fields}
}

func (r *RunLogger) Debug(format string, args ...interface{}) {
	r.logger.write("debug", LevelDebug, fmt.Sprintf(format, args...), r.runID, r.fields)
}

func (r *RunLogger) Info(format string, args ...interface{}) {
	r.logger.write("info", LevelInfo, fmt.Sprintf(format, args...), r.runID, r.fields)
}

func (r *RunLogger) Warn(format string, args ...interface{}) {
	r.logger.write("warn", LevelWarn, fmt.Sprintf(format, args...), r.runID, r.fields)
}

func (r *RunLogger) Error(format string, args ...interface{}) {
	r.logger.write("error", LevelError, fmt.Sprintf(format, args...), r.runID, r.fields)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Config(format string, args ...interface{})      { Get(CategoryConfig).Info(format, args...) }
func ConfigDebug(format string, args ...interface{}) { Get(CategoryConfig).Debug(format, args...) }
func ConfigWarn(format string, args ...interface{})  { Get(CategoryConfig).Warn(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }
func PipelineError(format string, args ...interface{}) { Get(CategoryPipeline).Error(format, args...) }

func Stages(format string, args ...interface{})      { Get(CategoryStages).Info(format, args...) }
func StagesDebug(format string, args ...interface{}) { Get(CategoryStages).Debug(format, args...) }

func Runner(format string, args ...interface{})      { Get(CategoryRunner).Info(format, args...) }
func RunnerDebug(format string, args ...interface{}) { Get(CategoryRunner).Debug(format, args...) }
func RunnerWarn(format string, args ...interface{})  { Get(CategoryRunner).Warn(format, args...) }
func RunnerError(format string, args ...interface{}) { Get(CategoryRunner).Error(format, args...) }

func Artifacts(format string, args ...interface{})      { Get(CategoryArtifacts).Info(format, args...) }
func ArtifactsDebug(format string, args ...interface{}) { Get(CategoryArtifacts).Debug(format, args...) }
func ArtifactsWarn(format string, args ...interface{})  { Get(CategoryArtifacts).Warn(format, args...) }

func Build(format string, args ...interface{})      { Get(CategoryBuild).Info(format, args...) }
func BuildDebug(format string, args ...interface{}) { Get(CategoryBuild).Debug(format, args...) }

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}
