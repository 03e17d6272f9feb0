package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxLineBytes caps a single logged line; longer output is split.
const maxLineBytes = 8 << 10

// lineLogger is an io.Writer that logs each complete line written to it.
// exec.Cmd copies the child's stdout and stderr into one of these each, so
// backend output ends up in the structured log instead of interleaving with
// the proxy's own stdout.
type lineLogger struct {
	logger *slog.Logger
	level  slog.Level

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger *slog.Logger, level slog.Level, stream string) *lineLogger {
	return &lineLogger{
		logger: logger.With("stream", stream),
		level:  level,
	}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	for len(l.buf) >= maxLineBytes {
		l.emit(l.buf[:maxLineBytes])
		l.buf = l.buf[maxLineBytes:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Log(context.Background(), l.level, string(line))
}
