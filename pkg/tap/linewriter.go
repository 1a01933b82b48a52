package tap

import (
	"io"
	"sync"
)

// LineWriter tees raw output to dst while emitting each complete line
// through logFn. Process stdout/stderr wired through a LineWriter lands in
// the service's log file byte-for-byte and in the structured log
// line-by-line. Partial lines are buffered until a newline or Close.
type LineWriter struct {
	mu     sync.Mutex
	dst    io.Writer
	buffer []byte
	logFn  func(string)
}

// NewLineWriter creates a LineWriter. dst may be nil to only emit lines;
// logFn may be nil to only copy bytes.
func NewLineWriter(dst io.Writer, logFn func(string)) *LineWriter {
	return &LineWriter{dst: dst, logFn: logFn}
}

func (w *LineWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dst != nil {
		if _, err := w.dst.Write(p); err != nil {
			return 0, err
		}
	}

	if w.logFn == nil {
		return len(p), nil
	}

	w.buffer = append(w.buffer, p...)

	for {
		idx := indexByte(w.buffer, '\n')
		if idx < 0 {
			break
		}

		line := string(w.buffer[:idx])
		if line != "" {
			w.logFn(line)
		}

		w.buffer = w.buffer[idx+1:]
	}

	return len(p), nil
}

// Close flushes any buffered partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buffer) > 0 && w.logFn != nil {
		w.logFn(string(w.buffer))
		w.buffer = nil
	}
	return nil
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}
