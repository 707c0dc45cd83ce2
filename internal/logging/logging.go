// Package logging configures the process-wide zerolog logger and bridges the
// engine's slog output into it.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Level   string // debug, info, warn, error
	Format  string // console, json
	NoColor bool

	// Writer defaults to stderr.
	Writer io.Writer
}

// InitDefault sets up a console logger at info level, used until flags and
// configuration are parsed.
func InitDefault() {
	_ = Init(Options{Level: "info", Format: "console"})
}

// Init replaces the global logger.
func Init(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l.GetLevel())
	log.Logger = l
	return nil
}

// New builds a logger without touching global state.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(opts.Level); err != nil {
			return zerolog.Logger{}, err
		}
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    opts.NoColor,
			TimeFormat: time.TimeOnly,
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
