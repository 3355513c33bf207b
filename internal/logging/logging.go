// Package logging builds the zerolog loggers used across monocache.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Verbosity is the -v count: 0 warn, 1 info, 2 debug, 3+ trace.
	Verbosity int
	// Debug forces at least debug level, as DEBUG=monocache does.
	Debug bool
	// Out defaults to os.Stderr.
	Out io.Writer
	// NoColor disables ANSI colors in the console writer.
	NoColor bool
}

// Level maps the options to a zerolog level.
func (o Options) Level() zerolog.Level {
	level := zerolog.WarnLevel
	switch {
	case o.Verbosity >= 3:
		level = zerolog.TraceLevel
	case o.Verbosity == 2:
		level = zerolog.DebugLevel
	case o.Verbosity == 1:
		level = zerolog.InfoLevel
	}
	if o.Debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	return level
}

// New returns a console logger writing to opts.Out.
// Caller information is added at debug level and below.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	}

	level := opts.Level()
	ctx := zerolog.New(consoleWriter).Level(level).With().Timestamp()
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}

	logger := ctx.Logger()
	logger.Debug().Int("verbosity", opts.Verbosity).Bool("debug", opts.Debug).Msg("Logger initialized")
	return logger
}

// GetLogger returns l with a component field.
func GetLogger(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// LogOperationStart logs the start of an operation and returns a function to log its completion
func LogOperationStart(logger zerolog.Logger, operation string) func() {
	start := time.Now()
	logger.Debug().
		Str("operation", operation).
		Msg("Operation started")

	return func() {
		logger.Debug().
			Str("operation", operation).
			Dur("duration", time.Since(start)).
			Msg("Operation completed")
	}
}
