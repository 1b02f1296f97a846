package log

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "prod", "orgctl", "warn")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("skipped")
	logger.Warn().Msg("kept")
	assert.NotContains(t, buf.String(), "skipped")
	assert.Contains(t, buf.String(), `"service":"orgctl"`)
	assert.Contains(t, buf.String(), `"message":"kept"`)
}

func TestNewLoggerLevels(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("dev", "api", "").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("prod", "api", "").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("prod", "api", "bogus").GetLevel())
}
