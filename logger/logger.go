// Package logger builds the shared zerolog.Logger used by every subsystem.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/ridgeline-gateway/core/config"
)

// New returns a configured zerolog.Logger. Development environments get a
// console-pretty writer at debug level; everything else gets JSON at info.
func New(cfg *config.Config) zerolog.Logger {
	var out zerolog.ConsoleWriter
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		zerolog.SetGlobalLevel(lvl)
		return zerolog.New(out).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
