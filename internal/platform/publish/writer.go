package publish

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterPublisher writes each envelope as one JSON line.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher creates a publisher writing JSON lines to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

// Publish encodes env and writes it followed by a newline.
func (p *WriterPublisher) Publish(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := env.Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("publish: write envelope %s: %w", env.ID, err)
	}
	return nil
}

// Close closes the underlying writer when it is an io.Closer.
func (p *WriterPublisher) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
