package transcript

import (
	"context"
	"io"
	"time"

	"github.com/firefly/pixie-provisioner/repl"
)

// Recorder is a repl.LineTransport that captures every line it passes on.
// Recording failures never fail the transport; the first one is kept and
// reported by Err.
type Recorder struct {
	inner     repl.LineTransport
	sink      Sink
	sessionID string
	now       func() time.Time
	err       error
}

// NewRecorder wraps inner, tagging events with sessionID.
func NewRecorder(inner repl.LineTransport, sink Sink, sessionID string) *Recorder {
	return &Recorder{
		inner:     inner,
		sink:      sink,
		sessionID: sessionID,
		now:       time.Now,
	}
}

// WriteLine writes line and records it once written.
func (r *Recorder) WriteLine(ctx context.Context, line string) error {
	if err := r.inner.WriteLine(ctx, line); err != nil {
		return err
	}
	r.record(DirectionOut, line)
	return nil
}

// ReadLine reads and records a line.
func (r *Recorder) ReadLine(ctx context.Context) (string, error) {
	line, err := r.inner.ReadLine(ctx)
	if err != nil {
		return line, err
	}
	r.record(DirectionIn, line)
	return line, nil
}

// Close closes the wrapped transport when it implements io.Closer.
func (r *Recorder) Close() error {
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the first recording failure.
func (r *Recorder) Err() error {
	return r.err
}

func (r *Recorder) record(direction Direction, line string) {
	err := r.sink.Record(Event{
		Timestamp: r.now(),
		SessionID: r.sessionID,
		Direction: direction,
		Line:      line,
	})
	if err != nil && r.err == nil {
		r.err = err
	}
}

var _ repl.LineTransport = (*Recorder)(nil)
