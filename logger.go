package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// initLogger configures the process-wide zerolog logger
func initLogger(level, output string) error {
	var w io.Writer = os.Stdout
	if output == "stderr" {
		w = os.Stderr
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return err
		}
		lvl = parsed
	}

	log.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return nil
}

// componentLogger returns a child logger tagged with the component name
func componentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
