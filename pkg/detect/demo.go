package detect

import (
	"context"
	"strings"
	"sync"
)

// Demo is the detector used when no model backend is configured. It
// passes frames through untouched and reports no detections, so the
// annotated stream mirrors the raw one while the rest of the pipeline
// behaves exactly as it would with a real model.
type Demo struct {
	mu     sync.Mutex
	prompt string
}

// NewDemo creates a demo detector with an initial prompt.
func NewDemo(prompt string) *Demo {
	return &Demo{prompt: prompt}
}

func (d *Demo) Detect(ctx context.Context, frame []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Annotated: frame}, nil
}

// SetPrompt stores the prompt so a later model swap picks it up.
func (d *Demo) SetPrompt(prompt string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompt = strings.TrimSpace(prompt)
	return nil
}

// Prompt returns the current prompt.
func (d *Demo) Prompt() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompt
}

func (d *Demo) Close() error {
	return nil
}
