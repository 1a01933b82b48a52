// Package mjpeg implements the part framing used by the edgelens video
// streams: each JPEG frame travels as one multipart part delimited by the
// "frame" boundary. The same bytes are written by the edge workers, parsed
// by the gateway forwarders, and re-emitted to browsers, so the framing
// lives in one place.
package mjpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Boundary is the multipart boundary token shared by all edgelens streams.
const Boundary = "frame"

// ContentType is the response content type for a stream endpoint.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// maxFrameSize caps a single frame. Anything larger is a corrupt stream,
// not a plausible JPEG.
const maxFrameSize = 32 << 20

var boundaryLine = []byte("--" + Boundary)

// A Writer emits frames in part framing. Each frame is assembled into one
// buffer and written with a single Write call so a frame is never split
// across writes by this layer.
type Writer struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one JPEG frame as a complete part.
func (w *Writer) WriteFrame(jpeg []byte) error {
	w.buf.Reset()
	fmt.Fprintf(&w.buf, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg))
	w.buf.Write(jpeg)
	w.buf.WriteString("\r\n")

	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// A Reader parses frames out of a part-framed byte stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10)}
}

// ReadFrame returns the next complete frame. It returns io.EOF when the
// stream ends cleanly at a part boundary and io.ErrUnexpectedEOF when the
// stream ends inside a part, so callers can tell a clean upstream shutdown
// from a truncated frame.
func (r *Reader) ReadFrame() ([]byte, error) {
	if err := r.seekBoundary(); err != nil {
		return nil, err
	}

	size := -1
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, unexpected(err)
		}
		if len(line) == 0 {
			break // end of part headers
		}
		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length %q", strings.TrimSpace(value))
			}
			size = n
		}
	}

	if size < 0 {
		return nil, fmt.Errorf("part missing Content-Length")
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r.br, frame); err != nil {
		return nil, unexpected(err)
	}

	// Consume the CRLF that closes the part. Tolerate its absence at EOF:
	// the frame itself is already complete.
	if b, err := r.br.ReadByte(); err == nil {
		if b == '\r' {
			_, _ = r.br.ReadByte()
		} else {
			_ = r.br.UnreadByte()
		}
	}

	return frame, nil
}

// seekBoundary skips bytes until a boundary line. EOF before a boundary is
// a clean end of stream.
func (r *Reader) seekBoundary() error {
	for {
		line, err := r.readLine()
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return err
		}
		if bytes.Equal(line, boundaryLine) {
			return nil
		}
		// Anything else is preamble or the remains of a previous part;
		// keep scanning.
	}
}

// readLine reads one CRLF- or LF-terminated line without the terminator.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
