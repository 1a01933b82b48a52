package edgelens

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// Deployer moves build artifacts onto the edge node and runs commands
// there. The supervisor and CLI consume this interface; the shipped
// implementation rides the agent's HTTP and exec APIs.
type Deployer interface {
	// Transfer copies the contents of localDir to the remote destination.
	// Transfers are not retried; failures are reported as *TransferError.
	Transfer(ctx context.Context, localDir string) error

	// RemoteExec runs cmd on the remote node and returns its combined
	// output. Failures are reported as *RemoteExecError.
	RemoteExec(ctx context.Context, cmd string) (string, error)
}

// AgentDeployer deploys through the edge agent: Transfer tars the local
// directory and streams it to /v1/upload, RemoteExec uses the exec channel.
type AgentDeployer struct {
	client *Client
	dest   string
}

// NewAgentDeployer returns a Deployer that unpacks transfers into dest on
// the edge node.
func NewAgentDeployer(client *Client, dest string) *AgentDeployer {
	return &AgentDeployer{client: client, dest: dest}
}

// Transfer tars localDir and streams it to the agent, which extracts it
// under the configured destination.
func (d *AgentDeployer) Transfer(ctx context.Context, localDir string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return &TransferError{Dir: localDir, Err: err}
	}
	if !info.IsDir() {
		return &TransferError{Dir: localDir, Err: fmt.Errorf("not a directory")}
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTarGz(pw, localDir))
	}()

	q := url.Values{}
	q.Set("dest", d.dest)
	req, err := http.NewRequestWithContext(ctx, "POST", d.client.baseURL+"/v1/upload?"+q.Encode(), pr)
	if err != nil {
		return &TransferError{Dir: localDir, Err: err}
	}
	req.Header.Set("Content-Type", "application/gzip")
	d.client.setAuth(req)

	dbg("edgelens: upload", "dir", localDir, "dest", d.dest)
	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return &TransferError{Dir: localDir, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransferError{Dir: localDir, Err: err}
	}
	if apiErr := ParseAPIError(resp, body); apiErr != nil {
		return &TransferError{Dir: localDir, Err: apiErr}
	}
	return nil
}

// RemoteExec runs cmd on the edge node and returns combined output.
func (d *AgentDeployer) RemoteExec(ctx context.Context, cmd string) (string, error) {
	return d.client.RemoteExec(ctx, cmd)
}

// writeTarGz writes dir's contents as a gzipped tar stream. Entry names
// are relative to dir.
func writeTarGz(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
