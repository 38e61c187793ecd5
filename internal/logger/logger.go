// Package logger holds the process-wide zap logger
package logger

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  atomic.Pointer[zap.Logger]
	once sync.Once
)

// Init initializes the global logger with console output only
func Init(debug bool) {
	InitWithFile(debug, "")
}

// InitWithFile initializes the global logger with console output and, if
// logFile is set, a rotating JSON file. Only the first call has an effect.
func InitWithFile(debug bool, logFile string) {
	once.Do(func() {
		log.Store(build(debug, logFile))
	})
}

func build(debug bool, logFile string) *zap.Logger {
	level := zapcore.InfoLevel
	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		level = zapcore.DebugLevel
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	// Listings go to stdout, so the console log uses stderr
	cores := []zapcore.Core{zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		level,
	)}

	if logFile != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50, // MB
				MaxBackups: 5,
				MaxAge:     30, // days
			}),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Get returns the global logger, initialising a console logger on first use
func Get() *zap.Logger {
	if l := log.Load(); l != nil {
		return l
	}
	Init(false)
	return log.Load()
}

// Replace swaps the global logger and returns a function restoring the
// previous one. Tests use it to observe log output.
func Replace(l *zap.Logger) (restore func()) {
	once.Do(func() {})
	prev := log.Swap(l)
	return func() { log.Store(prev) }
}

// Sync flushes any buffered log entries
func Sync() {
	if l := log.Load(); l != nil {
		l.Sync()
	}
}
