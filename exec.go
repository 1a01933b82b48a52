package edgelens

import (
	"context"
	"net/url"
	"strconv"

	"github.com/edgelens/edgelens/packages/remotecmd"
)

// ExecOptions customize a remote command execution.
type ExecOptions struct {
	// TTY runs the command on a pseudo-terminal for interactive sessions.
	TTY bool

	// Cols and Rows set the initial terminal size when TTY is true.
	Cols uint16
	Rows uint16

	// Dir is the working directory on the edge node.
	Dir string

	// Env holds KEY=value pairs appended to the agent's environment.
	Env []string
}

// Command returns a remote command handle for the named program, executed
// on the edge node over the agent's exec channel. The returned Cmd mirrors
// os/exec: set Stdin/Stdout/Stderr, then Run, or Start and Wait.
func (c *Client) Command(ctx context.Context, name string, arg ...string) (*remotecmd.Cmd, error) {
	return c.CommandWith(ctx, nil, name, arg...)
}

// CommandWith is Command with explicit options.
func (c *Client) CommandWith(ctx context.Context, opts *ExecOptions, name string, arg ...string) (*remotecmd.Cmd, error) {
	req, err := c.wsRequest("/v1/exec", execQuery(name, arg, opts))
	if err != nil {
		return nil, err
	}
	cmd := remotecmd.CommandContext(ctx, req, name, arg...)
	if opts != nil && opts.TTY {
		cmd.Tty = true
	}
	return cmd, nil
}

// RemoteExec runs a shell command on the edge node and returns its combined
// output. Failures are reported as *RemoteExecError; the error unwraps to
// the underlying cause (including *remotecmd.ExitError for non-zero exits).
func (c *Client) RemoteExec(ctx context.Context, command string) (string, error) {
	cmd, err := c.Command(ctx, "sh", "-c", command)
	if err != nil {
		return "", &RemoteExecError{Cmd: command, Err: err}
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &RemoteExecError{Cmd: command, Err: err}
	}
	return string(out), nil
}

// execQuery encodes a command line into the query parameters the agent's
// exec endpoint expects.
func execQuery(name string, args []string, opts *ExecOptions) url.Values {
	q := url.Values{}
	q.Set("cmd", name)
	for _, a := range args {
		q.Add("arg", a)
	}
	if opts == nil {
		return q
	}
	if opts.TTY {
		q.Set("tty", "true")
		if opts.Cols > 0 && opts.Rows > 0 {
			q.Set("cols", strconv.Itoa(int(opts.Cols)))
			q.Set("rows", strconv.Itoa(int(opts.Rows)))
		}
	}
	if opts.Dir != "" {
		q.Set("dir", opts.Dir)
	}
	for _, e := range opts.Env {
		q.Add("env", e)
	}
	return q
}
