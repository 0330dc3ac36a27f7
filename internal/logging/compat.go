package logging

import (
	"bytes"
	"io"
	stdlog "log"
	"os"
)

// Fatalf logs at Error level and exits. Reserved for bring-up failures in main.
func (log *Logger) Fatalf(format string, v ...interface{}) {
	log.Log(Error, 1, format, v...)
	os.Exit(1)
}

// StdLogger adapts this logger to the standard library's *log.Logger, for
// packages (net/http, gin) that insist on one. Every line is logged at the
// given level.
func (log *Logger) StdLogger(level Level) *stdlog.Logger {
	return stdlog.New(&stdWriter{log, level}, "", 0)
}

// Writer returns an io.Writer that logs each write at the given level.
func (log *Logger) Writer(level Level) io.Writer {
	return &stdWriter{log, level}
}

type stdWriter struct {
	log   *Logger
	level Level
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.log.Log(w.level, 3, "%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}
