package utils

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global console logger. Debug mode lowers the
// level so per-segment transfer events become visible.
func InitLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}).With().Timestamp().Logger()
}

// GetLogger returns the global logger tagged with a component field.
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
