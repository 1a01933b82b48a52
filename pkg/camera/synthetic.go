package camera

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/edgelens/edgelens/pkg/stream"
)

// Synthetic frames carry a monotone tag between the JPEG start/end markers
// so order can be verified after any number of forwarding hops.
var (
	jpegSOI  = []byte{0xff, 0xd8}
	jpegEOI  = []byte{0xff, 0xd9}
	tagLabel = []byte("edgelens-tag:")
)

// MakeTestFrame builds a tagged synthetic frame payload.
func MakeTestFrame(tag int) []byte {
	var buf bytes.Buffer
	buf.Write(jpegSOI)
	buf.Write(tagLabel)
	fmt.Fprintf(&buf, "%d", tag)
	buf.Write(jpegEOI)
	return buf.Bytes()
}

// FrameTag extracts the tag from a synthetic frame payload.
func FrameTag(data []byte) (int, bool) {
	i := bytes.Index(data, tagLabel)
	if i < 0 {
		return 0, false
	}
	rest := data[i+len(tagLabel):]
	j := bytes.Index(rest, jpegEOI)
	if j < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(rest[:j]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// syntheticSource generates tagged frames at a fixed rate. A frame budget
// of 0 means infinite; otherwise Next returns ErrEndOfStream once the
// budget is spent, which models a removed device.
type syntheticSource struct {
	interval time.Duration
	limit    int
	produced int
	closed   chan struct{}
}

// openSynthetic handles refs like "synthetic:?fps=20&frames=10".
func openSynthetic(ref *url.URL) (Source, error) {
	q := ref.Query()

	fps := 20
	if v := q.Get("fps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: bad fps %q", ErrDeviceUnavailable, v)
		}
		fps = n
	}

	limit := 0
	if v := q.Get("frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad frames %q", ErrDeviceUnavailable, v)
		}
		limit = n
	}

	return &syntheticSource{
		interval: time.Second / time.Duration(fps),
		limit:    limit,
		closed:   make(chan struct{}),
	}, nil
}

func (s *syntheticSource) Next(ctx context.Context) (*stream.Frame, error) {
	select {
	case <-s.closed:
		return nil, ErrEndOfStream
	default:
	}

	if s.limit > 0 && s.produced >= s.limit {
		return nil, ErrEndOfStream
	}

	// Pace after the first frame so tests with small budgets stay fast.
	if s.produced > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrEndOfStream
		case <-time.After(s.interval):
		}
	}

	f := &stream.Frame{
		Data:       MakeTestFrame(s.produced),
		CapturedAt: time.Now(),
	}
	s.produced++
	return f, nil
}

func (s *syntheticSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
