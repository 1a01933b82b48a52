package agent

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/tap"
)

// handleUpload extracts a gzipped tar stream into the dest directory.
// This is the receiving side of a deployment transfer.
func (a *Agent) handleUpload(rw http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get("dest")
	if dest == "" {
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "missing dest parameter")
		return
	}
	if !filepath.IsAbs(dest) {
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, "dest must be an absolute path")
		return
	}

	files, err := extractArchive(r.Body, dest)
	if err != nil {
		tap.Logger(r.Context()).Error("upload failed", "dest", dest, "error", err)
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, err.Error())
		return
	}

	tap.Logger(r.Context()).Info("upload extracted", "dest", dest, "files", files)
	writeJSON(rw, http.StatusOK, map[string]any{"dest": dest, "files": files})
}

// extractArchive unpacks a gzipped tar into dest and reports how many
// regular files it wrote. Entry names must stay inside dest: absolute
// names, ".." escapes and symlinks pointing out of the tree are rejected.
// Extraction is not atomic; entries written before a bad one stay on disk.
func extractArchive(src io.Reader, dest string) (int, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}

	gzr, err := gzip.NewReader(src)
	if err != nil {
		return 0, fmt.Errorf("not a gzip stream: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	files := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read archive: %w", err)
		}

		name := filepath.FromSlash(header.Name)
		if !filepath.IsLocal(name) {
			return files, fmt.Errorf("archive entry escapes destination: %s", header.Name)
		}
		target := filepath.Join(dest, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return files, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return files, err
			}
			if err := out.Close(); err != nil {
				return files, err
			}
			files++
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), header.Linkname)) {
				return files, fmt.Errorf("archive symlink escapes destination: %s -> %s", header.Name, header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return files, err
			}
		default:
			// Sockets, devices and other irregular entries have no place
			// in a deployment archive.
			return files, fmt.Errorf("archive entry %s has unsupported type %d", header.Name, header.Typeflag)
		}
	}
}
