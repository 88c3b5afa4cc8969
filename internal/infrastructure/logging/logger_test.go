package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"debug":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
		"warn":     zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"critical": zerolog.FatalLevel,
		"off":      zerolog.Disabled,
	}

	for level, want := range cases {
		log, err := New(level)
		require.NoError(t, err, level)
		require.Equal(t, want, log.GetLevel(), level)
	}
}

func TestNewUnknownLevel(t *testing.T) {
	_, err := New("verbose")
	require.Error(t, err)
}
