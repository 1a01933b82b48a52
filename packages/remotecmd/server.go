package remotecmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
	gorillaws "github.com/gorilla/websocket"
)

// NewServerCommandContext creates a ServerCommand bound to a context.
func NewServerCommandContext(ctx context.Context, name string, args ...string) *ServerCommand {
	return &ServerCommand{
		Path: name,
		Args: append([]string{name}, args...),
		ctx:  ctx,
	}
}

// NewServerCommand creates a ServerCommand for executing a command.
func NewServerCommand(name string, args ...string) *ServerCommand {
	return NewServerCommandContext(context.Background(), name, args...)
}

// ServerCommand executes one command on behalf of a websocket client.
type ServerCommand struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	Tty  bool

	// Initial terminal size (PTY mode)
	InitialCols uint16
	InitialRows uint16

	// LogPath, when set, records session I/O line by line.
	LogPath string

	Logger *slog.Logger

	ctx context.Context
}

// SetTTY sets whether the command should run with a PTY.
func (c *ServerCommand) SetTTY(tty bool) *ServerCommand {
	c.Tty = tty
	return c
}

// SetEnv appends environment variables for the command.
func (c *ServerCommand) SetEnv(env []string) *ServerCommand {
	c.Env = env
	return c
}

// SetWorkingDir sets the working directory for the command.
func (c *ServerCommand) SetWorkingDir(dir string) *ServerCommand {
	c.Dir = dir
	return c
}

// SetLogger sets the logger for the command.
func (c *ServerCommand) SetLogger(logger *slog.Logger) *ServerCommand {
	c.Logger = logger
	return c
}

// SetLogPath sets the session I/O log destination.
func (c *ServerCommand) SetLogPath(path string) *ServerCommand {
	c.LogPath = path
	return c
}

// SetInitialTerminalSize sets the initial terminal size for PTY mode.
func (c *ServerCommand) SetInitialTerminalSize(cols, rows uint16) *ServerCommand {
	c.InitialCols = cols
	c.InitialRows = rows
	return c
}

// SetContext sets the context for the command.
func (c *ServerCommand) SetContext(ctx context.Context) *ServerCommand {
	c.ctx = ctx
	return c
}

// GetContext returns the context for the command.
func (c *ServerCommand) GetContext() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Handle upgrades the HTTP request to a WebSocket and executes the command.
// Authentication must happen before Handle is called.
func (c *ServerCommand) Handle(w http.ResponseWriter, r *http.Request) error {
	upgrader := gorillaws.Upgrader{
		ReadBufferSize:  1024 * 1024, // 1MB buffer
		WriteBufferSize: 1024 * 1024, // 1MB buffer
		CheckOrigin: func(r *http.Request) bool {
			// Bearer auth gates the endpoint before the upgrade
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("websocket upgrade failed", "error", err)
		}
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	defer conn.Close()

	// Allow large messages (10MB)
	conn.SetReadLimit(10 * 1024 * 1024)

	adapter := NewAdapter(conn, c.Tty)
	defer adapter.Close()

	// Run the command using the ServerCommand's context, fallback to request context
	ctx := c.GetContext()
	if ctx == context.Background() && r.Context() != context.Background() {
		ctx = r.Context()
	}

	if c.Logger != nil {
		c.Logger.Debug("executing remote command", "path", c.Path, "args", c.Args, "tty", c.Tty)
	}

	exitCode := c.run(ctx, adapter)

	// Give a moment for any remaining output to be sent
	// This is important for non-PTY mode where we have separate stdout/stderr streams
	time.Sleep(50 * time.Millisecond)

	if err := adapter.WriteExit(exitCode); err != nil {
		if c.Logger != nil {
			c.Logger.Error("failed to send exit code", "error", err)
		}
	}

	// Graceful close
	deadline := time.Now().Add(2 * time.Second)
	conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
		deadline)

	// Wait for client close
	conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	return nil
}

// run executes the command and bridges its I/O to the adapter.
func (c *ServerCommand) run(ctx context.Context, ws *Adapter) int {
	var (
		inLog, outLog, errLog *lineLogger
		logFile               *os.File
		err                   error
	)

	if c.LogPath != "" {
		logFile, err = os.OpenFile(c.LogPath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logger := slog.New(slog.NewTextHandler(logFile, nil))
			inLog = newLineLogger("stdin", logger)
			outLog = newLineLogger("stdout", logger)
			errLog = newLineLogger("stderr", logger)
		}
	}
	defer func() {
		inLog.Close()
		outLog.Close()
		errLog.Close()
		logFile.Close()
	}()

	args := c.Args
	if len(args) == 0 {
		args = []string{c.Path}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	if c.Tty {
		return c.runWithPTY(ctx, cmd, ws, inLog, outLog)
	}
	return c.runWithoutPTY(ctx, cmd, ws, inLog, outLog, errLog)
}

// handlePTYIO bridges the WebSocket and the PTY until either side closes.
func (c *ServerCommand) handlePTYIO(ctx context.Context, ptmx *os.File, ws *Adapter, inLog io.Writer, outLog io.Writer) {
	wsDone := make(chan struct{})
	ptyDone := make(chan struct{})

	// WebSocket -> PTY (binary data and control messages)
	go func() {
		defer close(wsDone)
		for {
			messageType, data, err := ws.conn.ReadMessage()
			if err != nil {
				return
			}

			switch messageType {
			case gorillaws.BinaryMessage:
				inLog.Write(data)
				ptmx.Write(data)
			case gorillaws.TextMessage:
				var msg ControlMessage
				if err := json.Unmarshal(data, &msg); err == nil {
					if msg.Type == controlResize && msg.Cols > 0 && msg.Rows > 0 {
						if err := creackpty.Setsize(ptmx, &creackpty.Winsize{
							Cols: msg.Cols,
							Rows: msg.Rows,
						}); err != nil && c.Logger != nil {
							c.Logger.Warn("failed to resize PTY", "error", err)
						}
					}
				}
			}
		}
	}()

	// PTY -> WebSocket
	go func() {
		defer close(ptyDone)
		writer := io.MultiWriter(ws, outLog)
		io.Copy(writer, ptmx)
	}()

	select {
	case <-wsDone:
	case <-ptyDone:
	}
}

// runWithPTY runs the command on a freshly allocated PTY.
func (c *ServerCommand) runWithPTY(ctx context.Context, cmd *exec.Cmd, ws *Adapter, inLog io.Writer, outLog io.Writer) int {
	// Ensure TERM is set for PTY mode
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	termSet := false
	for _, env := range cmd.Env {
		if strings.HasPrefix(env, "TERM=") {
			termSet = true
			break
		}
	}
	if !termSet {
		cmd.Env = append(cmd.Env, "TERM=xterm")
	}

	ptmx, err := creackpty.Start(cmd)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("failed to start with PTY", "error", err)
		}
		ws.WriteError(err.Error())
		return 127
	}
	defer ptmx.Close()

	if c.InitialCols > 0 && c.InitialRows > 0 {
		if err := creackpty.Setsize(ptmx, &creackpty.Winsize{
			Cols: c.InitialCols,
			Rows: c.InitialRows,
		}); err != nil && c.Logger != nil {
			c.Logger.Warn("failed to set initial PTY size", "error", err)
		}
	}

	c.handlePTYIO(ctx, ptmx, ws, inLog, outLog)

	cmdErr := cmd.Wait()

	if cmdErr != nil {
		if exitErr, ok := cmdErr.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}

// runWithoutPTY runs the command with piped standard streams.
func (c *ServerCommand) runWithoutPTY(ctx context.Context, cmd *exec.Cmd, ws *Adapter, inLog io.Writer, outLog io.Writer, errLog io.Writer) int {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		ws.WriteError(err.Error())
		return 127
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ws.WriteError(err.Error())
		return 127
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		ws.WriteError(err.Error())
		return 127
	}

	if err := cmd.Start(); err != nil {
		ws.WriteError(err.Error())
		return 127
	}

	stdinReader := &streamReader{ws: ws, streamID: StreamStdin}
	stdoutWriter := &streamWriter{ws: ws, streamID: StreamStdout}
	stderrWriter := &streamWriter{ws: ws, streamID: StreamStderr}

	go func() {
		defer stdin.Close()
		r := io.TeeReader(stdinReader, inLog)
		io.Copy(stdin, r)
	}()

	var outWG sync.WaitGroup
	outWG.Add(2)
	go func() {
		defer outWG.Done()
		w := io.MultiWriter(stdoutWriter, outLog)
		io.Copy(w, stdout)
	}()
	go func() {
		defer outWG.Done()
		w := io.MultiWriter(stderrWriter, errLog)
		io.Copy(w, stderr)
	}()

	// Drain output pipes before Wait closes them
	outWG.Wait()
	err = cmd.Wait()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}

// lineLogger splits writes into lines and records them on a slog logger.
// A nil lineLogger discards everything.
type lineLogger struct {
	logger *slog.Logger
	stream string
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newLineLogger(name string, l *slog.Logger) *lineLogger {
	return &lineLogger{
		logger: l,
		stream: name,
	}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	if l == nil {
		return len(p), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(p)
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSuffix(line, "\n")
		l.logger.Info("io", "stream", l.stream, "line", line)
	}
	return n, nil
}

func (l *lineLogger) Close() {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger != nil && l.buf.Len() > 0 {
		line := strings.TrimRight(l.buf.String(), "\n")
		l.logger.Info("io", "stream", l.stream, "line", line)
	}
	l.buf.Reset()
}
