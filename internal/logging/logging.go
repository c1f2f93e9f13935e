// Package logging provides a single structured logger shared across the
// mount, tree, registry and driver packages.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	zl    zerolog.Logger
	debug bool
}

var (
	instance *Logger
	once     sync.Once
)

// Init configures the process-wide logger. Safe to call more than once;
// only the first call takes effect.
func Init(debugMode bool, prettyLogs bool) {
	once.Do(func() {
		var output io.Writer = os.Stderr

		zerolog.TimeFieldFormat = time.RFC3339
		level := zerolog.InfoLevel
		if debugMode {
			level = zerolog.DebugLevel
		}

		if prettyLogs {
			output = zerolog.ConsoleWriter{Out: os.Stderr}
		}

		instance = &Logger{
			zl:    zerolog.New(output).Level(level).With().Timestamp().Logger(),
			debug: debugMode,
		}
	})
}

// Get returns the process-wide logger, initializing a quiet default one
// if Init was never called (useful for tests that don't care about logs).
func Get() *Logger {
	if instance == nil {
		Init(false, false)
	}
	return instance
}

func (l *Logger) With(path string) *Logger {
	sub := l.zl.With().Str("path", path).Logger()
	return &Logger{zl: sub, debug: l.debug}
}

func (l *Logger) Debugf(template string, args ...any) {
	if l.debug {
		l.zl.Debug().Msgf(template, args...)
	}
}

func (l *Logger) Infof(template string, args ...any) {
	l.zl.Info().Msgf(template, args...)
}

func (l *Logger) Warnf(template string, args ...any) {
	l.zl.Warn().Msgf(template, args...)
}

func (l *Logger) Errorf(template string, args ...any) {
	l.zl.Error().Msgf(template, args...)
}
