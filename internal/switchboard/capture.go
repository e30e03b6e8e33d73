package switchboard

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// DefaultFlushInterval is the interval between periodic run log flushes.
const DefaultFlushInterval = 5 * time.Second

// logWriter buffers raw output of one run stream and periodically flushes
// it through writeFn.
type logWriter struct {
	runID  string
	stream string

	mu      sync.Mutex
	buf     bytes.Buffer
	writeFn func(runID, stream, content string) error
}

func newLogWriter(runID, stream string, writeFn func(runID, stream, content string) error) *logWriter {
	return &logWriter{runID: runID, stream: stream, writeFn: writeFn}
}

// Write appends bytes to the internal buffer (implements io.Writer).
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Flush writes accumulated buffer contents and resets the buffer.
func (w *logWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	content := w.buf.String()
	w.buf.Reset()
	return w.writeFn(w.runID, w.stream, content)
}

// Close performs a final flush.
func (w *logWriter) Close() error {
	return w.Flush()
}

// startFlusher launches a goroutine that periodically flushes the writers
// until ctx is cancelled.
func startFlusher(ctx context.Context, interval time.Duration, writers ...*logWriter) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, w := range writers {
					w.Flush()
				}
			}
		}
	}()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

// syncWriter serialises writes to an operator writer shared by run, timer
// and pump goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
