package remotecmd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ExitError is returned by Wait when the remote command exits non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", e.Code)
}

// RemoteError is returned by Wait when the server could not run the command.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Command returns a new Cmd that executes the named program over the
// prepared websocket request. The request carries the URL (including any
// query parameters the server expects) and auth headers.
func Command(req *http.Request, name string, arg ...string) *Cmd {
	if req == nil {
		panic("remotecmd: Command called with nil request")
	}
	return &Cmd{
		Request:   req,
		Path:      name,
		Args:      append([]string{name}, arg...),
		ctx:       context.Background(),
		startChan: make(chan error, 1),
		doneChan:  make(chan struct{}),
		exitCode:  -1,
	}
}

// CommandContext is like Command but includes a context.
func CommandContext(ctx context.Context, req *http.Request, name string, arg ...string) *Cmd {
	if ctx == nil {
		panic("remotecmd: CommandContext called with nil context")
	}
	cmd := Command(req, name, arg...)
	cmd.ctx = ctx
	return cmd
}

// Cmd represents a remote command execution. It mirrors the API of
// exec.Cmd where that makes sense for a networked process.
type Cmd struct {
	// Command to execute (informational; the wire command comes from
	// the request URL built by the caller)
	Path string
	Args []string

	// The prepared HTTP request
	Request *http.Request

	// I/O
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Tty selects transparent byte mode; must match the server side.
	Tty bool

	ctx     context.Context
	conn    *gorillaws.Conn
	adapter *Adapter

	startChan chan error
	doneChan  chan struct{}

	mu        sync.Mutex
	exitCode  int
	remoteErr *RemoteError
}

// Run starts the command and waits for it to complete.
func (c *Cmd) Run() error {
	if err := c.Start(); err != nil {
		return err
	}
	return c.Wait()
}

// CombinedOutput runs the command and returns its combined stdout and
// stderr, like exec.Cmd.CombinedOutput.
func (c *Cmd) CombinedOutput() ([]byte, error) {
	var buf syncWriter
	c.Stdout = &buf
	c.Stderr = &buf
	err := c.Run()
	return buf.Bytes(), err
}

// Start connects and starts the command but does not wait for completion.
func (c *Cmd) Start() error {
	go c.start()

	select {
	case err := <-c.startChan:
		return err
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// start performs the WebSocket connection and runs the I/O loop.
func (c *Cmd) start() {
	defer close(c.doneChan)

	dialer := &gorillaws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024 * 1024, // 1MB buffer
		WriteBufferSize:  1024 * 1024, // 1MB buffer
	}

	if c.Request.URL.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{}
	}

	conn, _, err := dialer.DialContext(c.ctx, c.Request.URL.String(), c.Request.Header)
	if err != nil {
		c.startChan <- fmt.Errorf("failed to connect: %w", err)
		return
	}

	c.conn = conn
	c.adapter = NewAdapter(conn, c.Tty)

	c.startChan <- nil

	c.runIO()
}

// Wait waits for the command to exit. It returns *ExitError for a
// non-zero exit and *RemoteError when the server could not run the
// command at all.
func (c *Cmd) Wait() error {
	select {
	case <-c.doneChan:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	if c.exitCode > 0 {
		return &ExitError{Code: c.exitCode}
	}
	return nil
}

// runIO handles the WebSocket I/O loop.
func (c *Cmd) runIO() {
	adapter := c.adapter
	conn := c.conn

	if adapter == nil || conn == nil {
		return
	}

	defer c.Close()

	stdout := c.Stdout
	stderr := c.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if c.Tty {
		// Transparent byte mode: all inbound binary frames are terminal
		// output, exit arrives as a control message.
		if c.Stdin != nil {
			go io.Copy(adapter, c.Stdin)
		}

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			switch messageType {
			case gorillaws.BinaryMessage:
				stdout.Write(data)
			case gorillaws.TextMessage:
				c.handleTextMessage(data)
			}
		}
	}

	// Stream-multiplexed mode
	if c.Stdin != nil {
		go func() {
			stdinWriter := &streamWriter{ws: adapter, streamID: StreamStdin}
			io.Copy(stdinWriter, c.Stdin)

			// Send explicit EOF message
			adapter.WriteStream(StreamStdinEOF, []byte{})
		}()
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case gorillaws.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			stream := StreamID(data[0])
			payload := data[1:]

			switch stream {
			case StreamStdout:
				stdout.Write(payload)
			case StreamStderr:
				stderr.Write(payload)
			case StreamExit:
				if len(payload) > 0 {
					c.setExitCode(int(payload[0]))
				}
				return // Command finished
			}
		case gorillaws.TextMessage:
			c.handleTextMessage(data)
		}
	}
}

// handleTextMessage processes control messages from the server.
func (c *Cmd) handleTextMessage(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case controlExit:
		c.setExitCode(msg.Code)
	case controlError:
		c.mu.Lock()
		c.remoteErr = &RemoteError{Message: msg.Message}
		c.mu.Unlock()
	}
}

func (c *Cmd) setExitCode(code int) {
	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
}

// ExitCode returns the exit code of the remote process. It returns -1
// while the command is still running or if the code is unknown.
func (c *Cmd) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode >= 0 {
		return c.exitCode
	}
	if c.IsDone() {
		return 0 // Done but no explicit exit code
	}
	return -1
}

// IsDone returns true if the command has finished.
func (c *Cmd) IsDone() bool {
	select {
	case <-c.doneChan:
		return true
	default:
		return false
	}
}

// Close gracefully shuts down the connection.
func (c *Cmd) Close() error {
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		c.conn.SetWriteDeadline(deadline)
		c.conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
			deadline)
		c.conn.Close()
	}

	return nil
}

// Resize sends a terminal resize message (PTY mode only).
func (c *Cmd) Resize(cols, rows uint16) error {
	if !c.Tty || c.adapter == nil {
		return nil
	}

	return c.adapter.WriteControl(&ControlMessage{
		Type: controlResize,
		Cols: cols,
		Rows: rows,
	})
}

// syncWriter is a goroutine-safe buffer shared by stdout and stderr in
// CombinedOutput.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Bytes()
}
