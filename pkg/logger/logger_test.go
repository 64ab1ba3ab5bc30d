package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsGlobalLevel(t *testing.T) {
	testCases := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			logger := New(Config{Level: tc.level})
			require.NotNil(t, logger)
			assert.Equal(t, tc.expected, zerolog.GlobalLevel())
		})
	}
}

func TestNewWritesStructuredOutput(t *testing.T) {
	logger := New(Config{Level: "info"})

	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Str("index_id", "abc").Msg("rebalance started")

	out := buf.String()
	assert.Contains(t, out, "rebalance started")
	assert.Contains(t, out, "index_id")
}

func TestNewFiltersBelowLevel(t *testing.T) {
	logger := New(Config{Level: "error"})

	var buf bytes.Buffer
	logger = logger.Output(&buf)

	logger.Info().Msg("should not appear")
	assert.NotContains(t, buf.String(), "should not appear")

	logger.Error().Msg("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestNewPrettyOutput(t *testing.T) {
	logger := New(Config{Level: "info", Pretty: true})

	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("console test")

	assert.Contains(t, buf.String(), "console test")
}

func TestComponentTagsSubLogger(t *testing.T) {
	logger := New(Config{Level: "info"})

	var buf bytes.Buffer
	sub := Component(logger.Output(&buf), "dispatcher")
	sub.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"dispatcher"`)
}

func TestSetGlobalLogger(t *testing.T) {
	logger := New(Config{Level: "info"})
	SetGlobalLogger(logger)

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("global logger test")

	assert.Contains(t, buf.String(), "global logger test")
}

func TestTimestampFormatIsRFC3339(t *testing.T) {
	New(Config{Level: "info"})
	assert.Equal(t, "2006-01-02T15:04:05Z07:00", zerolog.TimeFieldFormat)
}
