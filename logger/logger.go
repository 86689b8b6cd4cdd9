// Package logger provides leveled structured logging with an in-memory
// ring buffer for diagnostics and size-capped file output.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

const (
	logFileName = "broker.log"
	// Rotate when the log file reaches this size; one previous file kept.
	maxFileSize = 10 << 20
)

// LogEntry is a single structured log record.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// Logger provides structured logging with levels. Recent entries are
// kept in a bounded buffer so diagnostics endpoints can show them
// without reading files.
type Logger struct {
	mu            sync.RWMutex
	level         LogLevel
	logDir        string
	currentFile   *os.File
	currentSize   int64
	buffer        []LogEntry
	maxBufferSize int
	consoleOutput bool
}

// New creates a Logger. logDir may be empty to disable file output.
func New(level LogLevel, logDir string, maxBufferSize int) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		consoleOutput: true,
	}
}

// SetConsoleOutput enables or disables console output.
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) Error(msg string, context ...interface{}) { l.log(ERROR, msg, context...) }
func (l *Logger) Warn(msg string, context ...interface{})  { l.log(WARN, msg, context...) }
func (l *Logger) Info(msg string, context ...interface{})  { l.log(INFO, msg, context...) }
func (l *Logger) Debug(msg string, context ...interface{}) { l.log(DEBUG, msg, context...) }
func (l *Logger) Trace(msg string, context ...interface{}) { l.log(TRACE, msg, context...) }

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i+1 < len(context); i += 2 {
		ctx[fmt.Sprintf("%v", context[i])] = context[i+1]
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	l.buffer = append(l.buffer, entry)
	if len(l.buffer) > l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}

	line := formatEntry(entry)
	if l.consoleOutput {
		fmt.Print(line)
	}
	l.writeToFile(line)
}

func formatEntry(entry LogEntry) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05"))
	b.WriteString("] [")
	b.WriteString(levelNames[entry.Level])
	b.WriteString("] ")
	b.WriteString(entry.Message)
	if len(entry.Context) > 0 {
		b.WriteString(" |")
		for k, v := range entry.Context {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func (l *Logger) writeToFile(line string) {
	if l.logDir == "" {
		return
	}
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return
	}

	if l.currentFile == nil {
		logPath := filepath.Join(l.logDir, logFileName)
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		l.currentFile = f
		if fi, err := f.Stat(); err == nil {
			l.currentSize = fi.Size()
		}
	}

	n, _ := l.currentFile.WriteString(line)
	l.currentSize += int64(n)
	if l.currentSize >= maxFileSize {
		l.rotate()
	}
}

func (l *Logger) rotate() {
	l.currentFile.Close()
	l.currentFile = nil
	l.currentSize = 0
	logPath := filepath.Join(l.logDir, logFileName)
	os.Rename(logPath, logPath+".1")
}

// GetBuffer returns a copy of the recent log entries.
func (l *Logger) GetBuffer() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make([]LogEntry, len(l.buffer))
	copy(entries, l.buffer)
	return entries
}

// Close closes any open file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// ParseLevel converts a string to LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "error":
		return ERROR
	case "warn":
		return WARN
	case "info":
		return INFO
	case "debug":
		return DEBUG
	case "trace":
		return TRACE
	default:
		return INFO
	}
}
