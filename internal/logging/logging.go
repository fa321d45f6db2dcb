package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Plain output uses the console writer; json output
// emits one JSON object per line so stderr stays machine readable.
func New(w io.Writer, level string, jsonOutput bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// Component derives a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to warn.
func ParseLevel(raw string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || strings.TrimSpace(raw) == "" {
		return zerolog.WarnLevel
	}
	return lvl
}
