package logx

import (
	"bytes"
	"sync"
)

const maxLineBytes = 8 << 10

// LineWriter is an io.Writer that logs every complete line it receives.
// Child process output is streamed through it so job logs land in the
// same sinks as everything else.
type LineWriter struct {
	log   Logger
	level Level
	msg   string

	mu  sync.Mutex
	buf []byte
}

func NewLineWriter(log Logger, level Level, msg string) *LineWriter {
	return &LineWriter{log: log, level: level, msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// Very long lines without a newline are flushed in pieces.
	for len(w.buf) > maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.log.Log(w.level, w.msg, String("line", string(line)))
}
