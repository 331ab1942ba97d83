package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (lv LogLevel) String() string {
	if lv < DEBUG || lv > ERROR {
		return levelNames[INFO]
	}
	return levelNames[lv]
}

var (
	std     *Logger
	stdOnce sync.Once
)

// Logger is a leveled logger writing through a standard log.Logger. Lines look
// like "[NVPN-PROXY] 2024/01/02 15:04:05 [INFO] {pkg/file - Func} message".
type Logger struct {
	mu    sync.RWMutex
	level LogLevel
	out   *log.Logger
}

// FileOptions controls the optional rotated log file. An empty Filename keeps
// output on stdout only.
type FileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a Logger at the given level writing to w. A nil writer means
// stdout.
func New(level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		level: ParseLogLevel(level),
		out:   log.New(w, "[NVPN-PROXY] ", log.LstdFlags),
	}
}

func global() *Logger {
	stdOnce.Do(func() {
		std = New("INFO", os.Stdout)
	})
	return std
}

// Configure sets the level of the package logger and, when a file name is
// given, tees its output into a lumberjack rotated file. The returned closer
// must be closed on shutdown to release the file.
func Configure(level string, opts FileOptions) io.Closer {
	l := global()
	l.SetLevel(level)

	if opts.Filename == "" {
		return nopCloser{}
	}

	rotated := &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	l.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return rotated
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLogLevel maps a case-insensitive level name to a LogLevel. Unknown
// names fall back to INFO.
func ParseLogLevel(level string) LogLevel {
	name := strings.ToUpper(strings.TrimSpace(level))
	if name == "WARNING" {
		return WARN
	}
	for lv, n := range levelNames {
		if n == name {
			return LogLevel(lv)
		}
	}
	return INFO
}

// SetLogLevel changes the level of the package logger.
func SetLogLevel(level string) { global().SetLevel(level) }

// GetLogLevel returns the package logger level name.
func GetLogLevel() string { return global().GetLevel() }

// SetOutput redirects the package logger, mostly useful in tests.
func SetOutput(w io.Writer) { global().SetOutput(w) }

func (l *Logger) SetLevel(level string) {
	lv := ParseLogLevel(level)
	l.mu.Lock()
	l.level = lv
	l.mu.Unlock()
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out.SetOutput(w)
	l.mu.Unlock()
}

func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level.String()
}

func (l *Logger) logf(lv LogLevel, format string, v ...interface{}) {
	l.mu.RLock()
	enabled := lv >= l.level
	l.mu.RUnlock()
	if !enabled {
		return
	}
	l.out.Printf("[%s] %s", lv, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{}) { l.logf(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// Package-level helpers, e.g. logger.Info("{pkg/file - Func} message").

func Debug(format string, v ...interface{}) { global().logf(DEBUG, format, v...) }
func Info(format string, v ...interface{}) { global().logf(INFO, format, v...) }
func Warn(format string, v ...interface{}) { global().logf(WARN, format, v...) }
func Error(format string, v ...interface{}) { global().logf(ERROR, format, v...) }
