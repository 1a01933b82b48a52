package camera

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/edgelens/edgelens/pkg/mjpeg"
	"github.com/edgelens/edgelens/pkg/stream"
)

const mjpegDialTimeout = 5 * time.Second

// mjpegSource feeds off another worker's MJPEG stream, so the inference
// worker can share the capture worker's device instead of opening the
// camera a second time.
type mjpegSource struct {
	body   io.ReadCloser
	reader *mjpeg.Reader
}

// openMJPEG handles refs like "mjpeg://127.0.0.1:9001".
func openMJPEG(ref *url.URL) (Source, error) {
	if ref.Host == "" {
		return nil, fmt.Errorf("%w: mjpeg ref needs host:port", ErrDeviceUnavailable)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: mjpegDialTimeout}).DialContext,
		},
		// No overall timeout: the response body is an endless stream.
	}

	resp, err := client.Get("http://" + ref.Host + "/")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream returned %d", ErrDeviceUnavailable, resp.StatusCode)
	}

	return &mjpegSource{
		body:   resp.Body,
		reader: mjpeg.NewReader(resp.Body),
	}, nil
}

func (s *mjpegSource) Next(ctx context.Context) (*stream.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.reader.ReadFrame()
	if err != nil {
		if err == io.EOF {
			// Upstream closed at a frame boundary; this handle is done.
			return nil, ErrEndOfStream
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CaptureError{Err: err}
	}

	return &stream.Frame{Data: data, CapturedAt: time.Now()}, nil
}

func (s *mjpegSource) Close() error {
	return s.body.Close()
}
