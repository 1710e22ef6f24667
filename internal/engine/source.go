package engine

import (
	"context"

	"github.com/tracetab/tracetab/internal/tracefile"
	"github.com/tracetab/tracetab/pkg/types"
)

// EventSource is an open trace session.
type EventSource interface {
	// Next decodes the next event into ev. It returns StopOK with an event,
	// StopEndOfTrace when the trace is complete, or another stop code when
	// decoding cannot continue. A non-nil error always ends decoding.
	Next(ev *types.Event) (types.StopCode, error)

	// Close releases the session.
	Close() error
}

// Opener opens trace resources by path.
type Opener interface {
	Open(ctx context.Context, path string) (EventSource, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, path string) (EventSource, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, path string) (EventSource, error) {
	return f(ctx, path)
}

// FileOpener opens native trace files from the local filesystem.
type FileOpener struct{}

// Open implements Opener.
func (FileOpener) Open(ctx context.Context, path string) (EventSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := tracefile.Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}
