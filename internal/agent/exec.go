package agent

import (
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/packages/remotecmd"
	"github.com/edgelens/edgelens/pkg/tap"
)

// handleExec upgrades the request to a websocket and runs one command on
// the node, speaking the remotecmd framing. The command line travels in
// query parameters so the upgrade request stays a plain GET: cmd is the
// program, arg repeats per argument, tty/cols/rows select a PTY, dir sets
// the working directory and env repeats per KEY=value pair.
func (a *Agent) handleExec(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("cmd")
	if name == "" {
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "missing cmd parameter")
		return
	}
	args := q["arg"]

	logger := tap.Logger(r.Context()).With("session", uuid.NewString())

	cmd := remotecmd.NewServerCommandContext(r.Context(), name, args...)
	cmd.SetLogger(logger)
	if q.Get("tty") == "true" {
		cmd.SetTTY(true)
		cols := parseUint16(q.Get("cols"))
		rows := parseUint16(q.Get("rows"))
		if cols > 0 && rows > 0 {
			cmd.SetInitialTerminalSize(cols, rows)
		}
	}
	if dir := q.Get("dir"); dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "dir is not a directory")
			return
		}
		cmd.SetWorkingDir(dir)
	}
	if env := q["env"]; len(env) > 0 {
		cmd.SetEnv(env)
	}

	logger.Info("exec session starting", "cmd", name, "args", args, "tty", cmd.Tty)
	if err := cmd.Handle(rw, r); err != nil {
		logger.Error("exec session failed", "error", err)
		return
	}
	logger.Info("exec session finished", "cmd", name)
}

func parseUint16(s string) uint16 {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
