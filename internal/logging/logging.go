// Package logging sets up the project-wide zerolog idiom: no package-level
// logger singleton (per the dependency-injection re-design), just a root
// logger built once at process start and handed down through constructors,
// plus helpers for deriving request/component-scoped children.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Pretty console output in dev, JSON in prod;
// level is read from the RECALL_LOG_LEVEL env var by the caller (config
// package) and passed in here.
func New(level zerolog.Level, pretty bool, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component derives a child logger tagged with the owning component name,
// the unit every store/index constructor in this repo takes instead of
// reaching for a global.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithScope tags a logger with the tenant scope (user/character/session)
// it is currently operating on, for per-request tracing.
func WithScope(l zerolog.Logger, user, character, session string) zerolog.Logger {
	return l.With().
		Str("user", user).
		Str("character", character).
		Str("session", session).
		Logger()
}
