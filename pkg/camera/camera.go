// Package camera owns frame acquisition on the edge node. A Source yields
// an infinite, non-restartable sequence of frames from one device handle;
// devices are exclusive, so a second open of the same ref fails with
// ErrDeviceBusy until the first handle is closed.
//
// Drivers register themselves by URL scheme. The package ships two:
// "synthetic:" for generated test frames and "mjpeg://host:port" for
// feeding off another worker's stream. Hardware drivers register via
// Register from their own packages.
package camera

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/edgelens/edgelens/pkg/stream"
)

var (
	// ErrDeviceUnavailable means the device could not be opened at all.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")
	// ErrDeviceBusy means another Source currently holds the device.
	ErrDeviceBusy = errors.New("camera: device busy")
	// ErrEndOfStream means this handle is exhausted; open a new one to
	// continue.
	ErrEndOfStream = errors.New("camera: end of stream")
	// ErrUnknownScheme means no driver is registered for the ref.
	ErrUnknownScheme = errors.New("camera: unknown device scheme")
)

// CaptureError wraps a transient acquisition failure. The handle stays
// usable; callers log and try again.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("camera: capture failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a per-frame failure rather than a
// terminal one.
func IsTransient(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce)
}

// Source is one open device handle.
type Source interface {
	// Next blocks until a frame is available. It returns *CaptureError
	// for transient failures and ErrEndOfStream when the handle is done.
	Next(ctx context.Context) (*stream.Frame, error)
	// Close releases the device. Idempotent.
	Close() error
}

// OpenFunc constructs a Source from a parsed device ref.
type OpenFunc func(ref *url.URL) (Source, error)

var (
	driversMu sync.Mutex
	drivers   = make(map[string]OpenFunc)
	inUse     = make(map[string]bool)
)

// Register installs a driver for scheme. Later registrations replace
// earlier ones, which lets tests stub hardware.
func Register(scheme string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[scheme] = open
}

// Open parses deviceRef, claims the device slot, and opens a Source
// through the registered driver. The slot is released by Source.Close.
func Open(deviceRef string) (Source, error) {
	u, err := url.Parse(deviceRef)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, deviceRef)
	}

	driversMu.Lock()
	open, ok := drivers[u.Scheme]
	if !ok {
		driversMu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	key := u.Scheme + "://" + u.Host + u.Path
	if inUse[key] {
		driversMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, key)
	}
	inUse[key] = true
	driversMu.Unlock()

	src, err := open(u)
	if err != nil {
		release(key)
		return nil, err
	}
	return &exclusiveSource{Source: src, key: key}, nil
}

func release(key string) {
	driversMu.Lock()
	delete(inUse, key)
	driversMu.Unlock()
}

// exclusiveSource releases the device slot exactly once on Close.
type exclusiveSource struct {
	Source
	key  string
	once sync.Once
}

func (s *exclusiveSource) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Source.Close()
		release(s.key)
	})
	return err
}

func init() {
	Register("synthetic", openSynthetic)
	Register("mjpeg", openMJPEG)
}
