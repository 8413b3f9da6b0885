// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are emitted through zerolog, tagged with the source location
// of the caller.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	z       zerolog.Logger
	out     io.Writer
	verbose bool
	debug   bool
}

// NewLogger returns a Logger that writes human-readable output to stderr.
func NewLogger(verbose, debug bool) *Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return newLogger(zerolog.New(cw).With().Timestamp().Logger(), verbose, debug)
}

// NewJSONLogger returns a Logger that writes one JSON object per message
// to w. Pass io.Discard to silence it entirely.
func NewJSONLogger(w io.Writer, verbose, debug bool) *Logger {
	return newLogger(zerolog.New(w).With().Timestamp().Logger(), verbose, debug)
}

func newLogger(z zerolog.Logger, verbose, debug bool) *Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	return &Logger{
		z:       z.Level(level),
		out:     os.Stdout,
		verbose: verbose,
		debug:   debug,
	}
}

var fallback = NewLogger(true, true)

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	fmt.Fprint(l.out, s)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	if !l.debug {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.z.Debug().Str("at", caller()).Msgf(f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	if !l.verbose {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.z.Info().Str("at", caller()).Msgf(f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.z.Warn().Str("at", caller()).Msgf(f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	l.z.Error().Str("at", caller()).Msgf(f, args...)
}

// Fatal logs the message and exits. Only the command-line tools call it;
// library code reports errors to its caller instead.
func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		l = fallback
	}
	l.mu.Lock()
	l.NErrors++
	l.z.Error().Str("at", caller()).Msgf(f, args...)
	l.mu.Unlock()
	os.Exit(1)
}

// Errors returns the number of errors logged so far.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

func caller() string {
	// Two levels up the call stack
	_, fn, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}
	// Last two components of the path
	return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
}
