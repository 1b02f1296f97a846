package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger создаёт zerolog для сервиса. level переопределяет уровень по окружению.
func NewLogger(appEnv, service, level string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, appEnv, service, level)
}

// NewLoggerTo — то же, что NewLogger, но пишет в w. CLI выводит журнал в stderr.
func NewLoggerTo(w io.Writer, appEnv, service, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "dev" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	ctx := zerolog.New(w).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger().Level(lvl)
}
