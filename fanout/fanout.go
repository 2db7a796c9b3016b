// Package fanout implements the multi-sink tee: one inbound byte stream
// written to N independent durable/ephemeral sinks concurrently, with
// first-error-wins semantics matching the teacher library's own
// join-all-then-throw pattern from its concurrent chunk uploader
// (client/uploader.go's ants-pool fan-out), reworked here onto
// golang.org/x/sync/errgroup since the sinks are heterogeneous rather
// than N copies of the same chunk-upload job.
package fanout

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Sink is one durable or ephemeral destination for an upload's bytes.
// Implementations must be safe to call sequentially in the order
// Write*, Write*, ..., then exactly one of Close or Abort.
type Sink interface {
	Name() string
	Write(p []byte) (int, error)
	Close() error
	Abort() error
}

// Tee fans one stream out to every registered sink, waiting for the
// slowest sink to finish each write before accepting the next chunk —
// the backpressure rule from the component design: "pause the source
// until all overflowing sinks drain".
type Tee struct {
	sinks []Sink
}

// New constructs a Tee over the given sinks. At least one sink is
// required; the upload state machine is responsible for enforcing that at
// least one of them is durable (not MemorySink) before calling New.
func New(sinks ...Sink) (*Tee, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("fanout: at least one sink is required")
	}
	return &Tee{sinks: sinks}, nil
}

// Write fans p out to every sink concurrently and blocks until all of
// them have accepted it. The first sink error wins and is returned; the
// caller is expected to then call Abort to unwind the others.
func (t *Tee) Write(p []byte) (int, error) {
	g := new(errgroup.Group)
	for _, s := range t.sinks {
		s := s
		g.Go(func() error {
			_, err := s.Write(p)
			if err != nil {
				return fmt.Errorf("fanout: sink %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close finalizes every sink, join-all first-error-wins: every sink is
// given the chance to finish even if an earlier one fails, and the first
// error encountered is returned once all have run.
func (t *Tee) Close() error {
	g := new(errgroup.Group)
	for _, s := range t.sinks {
		s := s
		g.Go(func() error {
			if err := s.Close(); err != nil {
				return fmt.Errorf("fanout: sink %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Abort tears down every sink's partial artifact (temp files removed,
// multipart uploads aborted, in-memory entries dropped). Every sink is
// given a chance to clean up regardless of whether others fail.
func (t *Tee) Abort() error {
	g := new(errgroup.Group)
	for _, s := range t.sinks {
		s := s
		g.Go(func() error {
			if err := s.Abort(); err != nil {
				return fmt.Errorf("fanout: sink %s abort: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Names returns the registered sink names, used to check the "at least
// one durable sink" invariant and for logging.
func (t *Tee) Names() []string {
	names := make([]string, len(t.sinks))
	for i, s := range t.sinks {
		names[i] = s.Name()
	}
	return names
}

// runWithTimeout runs fn in its own goroutine and returns ctx's error as
// soon as ctx ends, without waiting for fn to finish. No sink in this
// package calls it.
func runWithTimeout(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
