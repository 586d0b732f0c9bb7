// Package logging provides config-driven categorized file-based logging for marimoguard.
// Logs are written to <project-root>/logs/guard/ with separate files per category.
// Logging is controlled by debug_mode in the [marimo_guard.logging] table or the
// MARIMO_GUARD_DEBUG environment variable - when disabled, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category names one log file under logs/guard.
type Category string

const (
	CategoryBoot      Category = "boot"      // CLI startup, config resolution
	CategoryTransport Category = "transport" // HTTP attempts and retries
	CategoryMCP       Category = "mcp"       // Status endpoint client
	CategoryCharts    Category = "charts"    // Chart registry
	CategoryVisual    Category = "visual"    // Visual validation
	CategoryBrowser   Category = "browser"   // DOM verification
	CategoryTactile   Category = "tactile"   // Subprocess execution
	CategoryRuntime   Category = "runtime"   // Notebook runtime bridge
	CategoryPreflight Category = "preflight" // Orchestrator stages
	CategoryLoop      Category = "loop"      // Retry loop
	CategoryWatch     Category = "watch"     // File watcher
)

// Config mirrors the logging table of the guard config file.
// It is declared here rather than imported to avoid a cycle with internal/config.
type Config struct {
	DebugMode  bool            `toml:"debug_mode" yaml:"debug_mode"`
	Level      string          `toml:"level" yaml:"level"`
	JSONFormat bool            `toml:"json_format" yaml:"json_format"`
	Categories map[string]bool `toml:"categories" yaml:"categories"`
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes one category to its own file. The zero value discards.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
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

// Initialize sets up the logging directory under root.
// Should be called once at startup, after the project config has been read.
func Initialize(root string, cfg Config) error {
	if root == "" {
		return fmt.Errorf("project root required")
	}

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("MARIMO_GUARD_DEBUG"))); v == "1" || v == "true" || v == "yes" || v == "on" {
		cfg.DebugMode = true
	}

	configMu.Lock()
	config = cfg
	logLevel = parseLevel(cfg.Level)
	configMu.Unlock()

	if !cfg.DebugMode {
		return nil // Silent no-op in production mode
	}

	dir := filepath.Join(root, "logs", "guard")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== marimoguard logging initialized ===")
	boot.Info("Project root: %s", root)
	boot.Info("Log level: %s", cfg.Level)
	return nil
}

func parseLevel(level string) int {
	switch strings.ToLower(level) {
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
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
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

	loggersMu.RLock()
	dir := logsDir
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	if dir == "" {
		return &Logger{category: category}
	}

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

func (l *Logger) enabled(level int) bool {
	if l.logger == nil {
		return false
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return logLevel <= level
}

func (l *Logger) write(level string, msg string, fields map[string]interface{}) {
	configMu.RLock()
	jsonFormat := config.JSONFormat
	configMu.RUnlock()

	if jsonFormat {
		data, err := json.Marshal(StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     level,
			Message:   msg,
			Fields:    fields,
		})
		if err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	if len(fields) > 0 {
		l.logger.Printf("[%s] %s | fields=%v", strings.ToUpper(level), msg, fields)
		return
	}
	l.logger.Printf("[%s] %s", strings.ToUpper(level), msg)
}

// Debug writes at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.enabled(LevelDebug) {
		return
	}
	l.write("debug", fmt.Sprintf(format, args...), nil)
}

// Info writes at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	if !l.enabled(LevelInfo) {
		return
	}
	l.write("info", fmt.Sprintf(format, args...), nil)
}

// Warn writes at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	if !l.enabled(LevelWarn) {
		return
	}
	l.write("warn", fmt.Sprintf(format, args...), nil)
}

// Error writes at error level whenever the category is open.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.write("error", fmt.Sprintf(format, args...), nil)
}

// StructuredLog writes a log entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	if level != "error" && !l.enabled(parseLevel(level)) {
		return
	}
	l.write(level, msg, fields)
}

// CloseAll closes all open log files
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for cat, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
		delete(loggers, cat)
	}
	logsDir = ""
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Transport(format string, args ...interface{}) { Get(CategoryTransport).Info(format, args...) }
func TransportDebug(format string, args ...interface{}) {
	Get(CategoryTransport).Debug(format, args...)
}
func TransportWarn(format string, args ...interface{}) { Get(CategoryTransport).Warn(format, args...) }

func MCP(format string, args ...interface{})      { Get(CategoryMCP).Info(format, args...) }
func MCPDebug(format string, args ...interface{}) { Get(CategoryMCP).Debug(format, args...) }
func MCPWarn(format string, args ...interface{})  { Get(CategoryMCP).Warn(format, args...) }

func Charts(format string, args ...interface{})      { Get(CategoryCharts).Info(format, args...) }
func ChartsDebug(format string, args ...interface{}) { Get(CategoryCharts).Debug(format, args...) }

func Visual(format string, args ...interface{})      { Get(CategoryVisual).Info(format, args...) }
func VisualDebug(format string, args ...interface{}) { Get(CategoryVisual).Debug(format, args...) }
func VisualWarn(format string, args ...interface{})  { Get(CategoryVisual).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }

func Tactile(format string, args ...interface{})      { Get(CategoryTactile).Info(format, args...) }
func TactileDebug(format string, args ...interface{}) { Get(CategoryTactile).Debug(format, args...) }
func TactileWarn(format string, args ...interface{})  { Get(CategoryTactile).Warn(format, args...) }

func Runtime(format string, args ...interface{})      { Get(CategoryRuntime).Info(format, args...) }
func RuntimeDebug(format string, args ...interface{}) { Get(CategoryRuntime).Debug(format, args...) }
func RuntimeWarn(format string, args ...interface{})  { Get(CategoryRuntime).Warn(format, args...) }

func Preflight(format string, args ...interface{}) { Get(CategoryPreflight).Info(format, args...) }
func PreflightDebug(format string, args ...interface{}) {
	Get(CategoryPreflight).Debug(format, args...)
}
func PreflightWarn(format string, args ...interface{}) { Get(CategoryPreflight).Warn(format, args...) }
func PreflightError(format string, args ...interface{}) {
	Get(CategoryPreflight).Error(format, args...)
}

func Loop(format string, args ...interface{})     { Get(CategoryLoop).Info(format, args...) }
func LoopWarn(format string, args ...interface{}) { Get(CategoryLoop).Warn(format, args...) }

func Watch(format string, args ...interface{})     { Get(CategoryWatch).Info(format, args...) }
func WatchWarn(format string, args ...interface{}) { Get(CategoryWatch).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures one operation and logs its duration to a category.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer starts a Timer for op in category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold is Stop, but warns when the elapsed time exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
