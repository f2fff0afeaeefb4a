// Package logging builds the process logger and the field layout of driver failures.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pxlab/pxlab/pxcapi"
)

// Config selects the level and output style
type Config struct {
	Level   string `koanf:"level" yaml:"level"`
	Console bool   `koanf:"console" yaml:"console"`
	NoColor bool   `koanf:"nocolor" yaml:"nocolor"`
}

// ParseLevel accepts zerolog level names, case insensitive; empty is info
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(s))
}

// New returns a logger writing to w (stderr when nil).  Console mode is human
// readable, otherwise one JSON object per line.
func New(w io.Writer, cfg Config) (zerolog.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if w == nil {
		w = os.Stderr
	}
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: cfg.NoColor}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Failure logs a failed driver call with op, code and kind fields.  Callers
// carry on afterwards.  It returns err so it can wrap a call site.
func Failure(l *zerolog.Logger, op string, err error) error {
	if err == nil {
		return nil
	}
	ev := l.Error().Str("op", op)
	if code := pxcapi.CodeOf(err); code != pxcapi.OK {
		ev = ev.Int("code", int(code)).Str("kind", code.Kind().String())
	}
	ev.Msg(err.Error())
	return err
}
