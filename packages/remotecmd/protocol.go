// Package remotecmd implements both ends of the websocket command channel
// between the operator tooling and the edge agent. Binary frames carry a
// 1-byte stream ID followed by payload; text frames carry JSON control
// messages. In PTY mode the channel degrades to a transparent byte pipe.
package remotecmd

import (
	"encoding/json"
	"errors"
	"io"

	gorillaws "github.com/gorilla/websocket"
)

// StreamID identifies which standard stream a binary frame belongs to.
type StreamID byte

const (
	StreamStdin    StreamID = 0x00
	StreamStdout   StreamID = 0x01
	StreamStderr   StreamID = 0x02
	StreamExit     StreamID = 0x03
	StreamStdinEOF StreamID = 0x04 // Explicit EOF signal
)

// ControlMessage is a JSON control message sent via text WebSocket frames.
type ControlMessage struct {
	Type string `json:"type"`
	// Resize fields
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	// Exit code (PTY mode, where binary frames are raw terminal bytes)
	Code int `json:"code,omitempty"`
	// Error detail for "error" messages
	Message string `json:"message,omitempty"`
}

const (
	controlResize = "resize"
	controlExit   = "exit"
	controlError  = "error"
)

// Adapter wraps a gorilla WebSocket connection for the channel protocol.
type Adapter struct {
	conn      *gorillaws.Conn
	isPTY     bool // transparent byte mode, no stream ID prefixes
	writeChan chan writeRequest
	done      chan struct{}
}

type writeRequest struct {
	messageType int
	data        []byte
	result      chan error
}

// NewAdapter creates a new WebSocket adapter and starts its write loop.
func NewAdapter(conn *gorillaws.Conn, isPTY bool) *Adapter {
	a := &Adapter{
		conn:      conn,
		isPTY:     isPTY,
		writeChan: make(chan writeRequest, 100),
		done:      make(chan struct{}),
	}

	go a.writeLoop()

	return a
}

// writeLoop serializes all writes so only one goroutine touches the conn.
func (a *Adapter) writeLoop() {
	for {
		select {
		case req := <-a.writeChan:
			err := a.conn.WriteMessage(req.messageType, req.data)
			if req.result != nil {
				req.result <- err
			}
		case <-a.done:
			return
		}
	}
}

// WriteRaw writes raw bytes as a binary frame.
func (a *Adapter) WriteRaw(data []byte) error {
	result := make(chan error, 1)
	select {
	case a.writeChan <- writeRequest{
		messageType: gorillaws.BinaryMessage,
		data:        data,
		result:      result,
	}:
		return <-result
	case <-a.done:
		return errors.New("adapter closed")
	}
}

// WriteControl writes a control message as a text frame.
func (a *Adapter) WriteControl(msg *ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	select {
	case a.writeChan <- writeRequest{
		messageType: gorillaws.TextMessage,
		data:        data,
		result:      result,
	}:
		return <-result
	case <-a.done:
		return errors.New("adapter closed")
	}
}

// WriteStream writes data with a stream ID prefix. In PTY mode the prefix
// is omitted and the payload goes out raw.
func (a *Adapter) WriteStream(stream StreamID, data []byte) error {
	if a.isPTY {
		return a.WriteRaw(data)
	}

	msg := make([]byte, len(data)+1)
	msg[0] = byte(stream)
	copy(msg[1:], data)

	return a.WriteRaw(msg)
}

// WriteExit writes the process exit code. In PTY mode it goes out as a
// control message so it cannot be mistaken for terminal bytes.
func (a *Adapter) WriteExit(code int) error {
	if a.isPTY {
		return a.WriteControl(&ControlMessage{Type: controlExit, Code: code})
	}
	if code < 0 || code > 255 {
		code = 255 // Cap at 255 for byte representation
	}
	return a.WriteStream(StreamExit, []byte{byte(code)})
}

// WriteError reports a server-side failure (command could not start).
func (a *Adapter) WriteError(message string) error {
	return a.WriteControl(&ControlMessage{Type: controlError, Message: message})
}

// ReadRaw reads the next binary frame.
func (a *Adapter) ReadRaw() ([]byte, error) {
	messageType, data, err := a.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	if messageType != gorillaws.BinaryMessage {
		return nil, errors.New("invalid message type: only binary messages are supported")
	}

	return data, nil
}

// ReadStream reads a frame and extracts the stream ID.
func (a *Adapter) ReadStream() (StreamID, []byte, error) {
	data, err := a.ReadRaw()
	if err != nil {
		return 0, nil, err
	}

	if a.isPTY {
		// In PTY mode all inbound bytes are stdin
		return StreamStdin, data, nil
	}

	if len(data) == 0 {
		return 0, nil, errors.New("empty message")
	}

	stream := StreamID(data[0])

	return stream, data[1:], nil
}

// Close closes the adapter and the underlying connection.
func (a *Adapter) Close() error {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	return a.conn.Close()
}

// Read implements io.Reader for PTY mode (raw bytes).
func (a *Adapter) Read(p []byte) (n int, err error) {
	if !a.isPTY {
		return 0, errors.New("Read only supported in PTY mode")
	}
	data, err := a.ReadRaw()
	if err != nil {
		return 0, err
	}
	n = copy(p, data)
	return n, nil
}

// Write implements io.Writer for PTY mode (raw bytes).
func (a *Adapter) Write(p []byte) (n int, err error) {
	if !a.isPTY {
		return 0, errors.New("Write only supported in PTY mode")
	}
	err = a.WriteRaw(p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// streamReader reads frames for a single stream, buffering partial reads.
type streamReader struct {
	ws       *Adapter
	streamID StreamID
	buffer   []byte
}

func (r *streamReader) Read(p []byte) (n int, err error) {
	if len(r.buffer) > 0 {
		n = copy(p, r.buffer)
		r.buffer = r.buffer[n:]
		return n, nil
	}

	for {
		stream, data, err := r.ws.ReadStream()
		if err != nil {
			return 0, err
		}

		if stream == StreamStdinEOF {
			return 0, io.EOF
		}

		// Only deliver data for our stream
		if stream == r.streamID {
			n = copy(p, data)
			if n < len(data) {
				r.buffer = data[n:]
			}
			return n, nil
		}
	}
}

// streamWriter writes frames with a fixed stream ID.
type streamWriter struct {
	ws       *Adapter
	streamID StreamID
}

func (w *streamWriter) Write(p []byte) (n int, err error) {
	err = w.ws.WriteStream(w.streamID, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
