package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens/internal/config"
)

// logTailScanLimit bounds how far back a local log is scanned.
const logTailScanLimit = 1 << 20

func newLogsCmd(e *env) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show a process log",
		Long: `Print the last lines of a process log. Names resolve to local files first
(<log_dir>/<name>.log, then <log_dir>/services/<name>.log); anything else
is fetched from the edge agent as a managed worker log.

--follow keeps printing as the file grows and works on local logs only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.load()
			if err != nil {
				return err
			}
			name := args[0]
			out := cmd.OutOrStdout()

			if path, ok := localLogPath(cfg, name); ok {
				tail, err := tailLocalFile(path, lines)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				out.Write(tail)
				if follow {
					return followFile(cmd.Context(), out, path)
				}
				return nil
			}

			if follow {
				return fmt.Errorf("--follow works on local log files only; no %q under %s", name, cfg.LogDir)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			client, err := e.agentClient()
			if err != nil {
				return err
			}
			text, err := client.ServiceLogs(ctx, name, lines)
			if err != nil {
				return fmt.Errorf("remote log for %q: %w", name, err)
			}
			fmt.Fprint(out, text)
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as the log grows")
	return cmd
}

// localLogPath resolves name to a log file on this machine: daemon logs
// live at <log_dir>/<name>.log, managed worker logs under services/.
func localLogPath(cfg *config.Config, name string) (string, bool) {
	candidates := []string{
		filepath.Join(cfg.LogDir, name+".log"),
		filepath.Join(cfg.LogDir, "services", name+".log"),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// tailLocalFile returns the last n lines of the file, scanning at most the
// final logTailScanLimit bytes.
func tailLocalFile(path string, n int) ([]byte, error) {
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

	start := size - logTailScanLimit
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

// followFile copies appended bytes to out until ctx is cancelled. The
// watch is on the directory so a rotated file is picked up by its create
// event; truncation rewinds to the start.
func followFile(ctx context.Context, out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				nf, err := os.Open(path)
				if err != nil {
					continue
				}
				f.Close()
				f = nf
			} else if ev.Op&fsnotify.Write == 0 {
				continue
			}
			if info, err := f.Stat(); err == nil {
				if pos, _ := f.Seek(0, io.SeekCurrent); pos > info.Size() {
					f.Seek(0, io.SeekStart)
				}
			}
			if _, err := io.Copy(out, f); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}
