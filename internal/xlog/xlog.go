// Package xlog provides the leveled, file-backed logger used throughout the
// data path. It follows the shape of the filesystem's own module logger
// (global logger, one level gate, Debugf/Infof/Warnf/Errorf call sites) but
// delegates file rotation to lumberjack instead of hand-rolled date
// rollover.
package xlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelPrefixes = [...]string{"[DEBUG]", "[INFO.]", "[WARN.]", "[ERROR]", "[FATAL]"}

// Logger is a single leveled sink. The data path keeps one per component
// (write, read, move) so a caller can silence one pipeline's chatter
// without silencing the others.
type Logger struct {
	mu     sync.Mutex
	level  Level
	module string
	std    *log.Logger
}

// New opens (or creates) dir/module.log, rotated by lumberjack, and returns
// a Logger gated at level.
func New(dir, module string, level Level) (*Logger, error) {
	if dir == "" {
		return &Logger{level: level, module: module, std: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}, nil
	}
	if fi, err := os.Stat(dir); err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("xlog: %s is not a directory", dir)
	}
	w := &lumberjack.Logger{
		Filename:   path.Join(dir, module+".log"),
		MaxSize:    128, // MB
		MaxBackups: 8,
		MaxAge:     14, // days
	}
	return &Logger{
		level:  level,
		module: module,
		std:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// Discard returns a Logger that drops everything; used as a safe default
// and in tests that don't care about log output.
func Discard() *Logger {
	return &Logger{
		level: FatalLevel + 1,
		std:   log.New(io.Discard, "", 0),
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func callerPrefix(level Level) string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		line = 0
	}
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return levelPrefixes[level] + " " + short + ":" + strconv.Itoa(line) + ": "
}

func (l *Logger) output(level Level, s string) {
	if !l.enabled(level) {
		return
	}
	l.std.Output(4, callerPrefix(level)+s)
}

func (l *Logger) Debugf(format string, v ...interface{}) { l.output(DebugLevel, fmt.Sprintf(format, v...)) }
func (l *Logger) Infof(format string, v ...interface{})  { l.output(InfoLevel, fmt.Sprintf(format, v...)) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.output(WarnLevel, fmt.Sprintf(format, v...)) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.output(ErrorLevel, fmt.Sprintf(format, v...)) }

func (l *Logger) Debug(v ...interface{}) { l.output(DebugLevel, fmt.Sprint(v...)) }
func (l *Logger) Info(v ...interface{})  { l.output(InfoLevel, fmt.Sprint(v...)) }
func (l *Logger) Warn(v ...interface{})  { l.output(WarnLevel, fmt.Sprint(v...)) }
func (l *Logger) Error(v ...interface{}) { l.output(ErrorLevel, fmt.Sprint(v...)) }
