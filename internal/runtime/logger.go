package runtime

import (
	"io"
	"log/slog"
	"os"

	"github.com/rs/zerolog"

	configpkg "github.com/drblury/durabus/internal/runtime/config"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
)

// NewLogger builds the service logger selected by conf.LogFormat, writing to
// stderr.
func NewLogger(conf *configpkg.Config) loggingpkg.ServiceLogger {
	return newLogger(conf, os.Stderr)
}

func newLogger(conf *configpkg.Config, w io.Writer) loggingpkg.ServiceLogger {
	level := slog.LevelInfo
	if conf.LogDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var log loggingpkg.ServiceLogger
	switch conf.LogFormat {
	case configpkg.LogZerolog:
		zl := zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
		if conf.LogDebug {
			zl = zl.Level(zerolog.DebugLevel)
		}
		log = loggingpkg.NewZerologServiceLogger(zl)
	case configpkg.LogJSON:
		log = loggingpkg.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(w, opts)))
	default:
		log = loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(w, opts)))
	}
	if conf.ServiceName != "" {
		log = log.With(loggingpkg.LogFields{"service": conf.ServiceName, "node_id": conf.NodeID})
	}
	return log
}
