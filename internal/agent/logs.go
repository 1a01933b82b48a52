package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/edgelens/edgelens"
)

// defaultLogLines is how many trailing lines /v1/logs returns when the
// client does not ask for a specific count.
const defaultLogLines = 100

// tailScanLimit bounds how far back a log is scanned, so a runaway log
// cannot be read whole into memory.
const tailScanLimit = 1 << 20

func (a *Agent) handleLogs(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := a.manager.GetServiceState(name); err != nil {
		writeError(rw, http.StatusNotFound, edgelens.ErrCodeServiceNotFound, fmt.Sprintf("no service named %q", name))
		return
	}

	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}

	out, err := tailFile(a.manager.ServiceLogPath(name), lines)
	if err != nil && !os.IsNotExist(err) {
		writeError(rw, http.StatusInternalServerError, edgelens.ErrCodeInternal, err.Error())
		return
	}

	// A missing log file means the service has never run; an empty tail
	// is the right answer for that.
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Write(out)
}

// tailFile returns the last n lines of the file at path. Only the final
// tailScanLimit bytes are examined. A file with a trailing newline counts
// lines the way wc -l does; a torn final line still counts as one.
func tailFile(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return nil, nil
	}

	start := size - tailScanLimit
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	m, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:m]

	trimmed := bytes.TrimSuffix(buf, []byte("\n"))
	idx := len(trimmed)
	for i := 0; i < n; i++ {
		j := bytes.LastIndexByte(trimmed[:idx], '\n')
		if j < 0 {
			return buf, nil
		}
		idx = j
	}
	return buf[idx+1:], nil
}
