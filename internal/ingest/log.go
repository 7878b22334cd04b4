package ingest

import (
	"log"
	"time"
)

// Logger is the minimal logging interface used by the orchestrator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

func loggerOrDiscard(l Logger) Logger {
	if l == nil {
		return log.New(discardWriter{}, "", 0)
	}
	return l
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
