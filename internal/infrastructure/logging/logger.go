// Package logging builds the zerolog logger from the configured
// log_level. The logger is injected into the Acceptor and every Session
// rather than used as global state, so tests can run hermetically.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a console-writing zerolog.Logger at the given level.
// "critical" is accepted as an alias for zerolog's fatal level — used
// only on the top-level unhandled-exception path, never mid-session —
// and "off" disables logging entirely.
func New(level string) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05Z07:00"}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger(), nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "critical", "fatal":
		return zerolog.FatalLevel, nil
	case "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log_level %q", level)
	}
}
