package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/go-can-example/internal/logging"
)

// setupLogger installs the process logger. Logs go to w (stderr) so they do
// not interleave with console replies on stdout.
func setupLogger(format, level string, w io.Writer) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), w).With("app", "can-example")
	logging.Set(l)
	return l
}
