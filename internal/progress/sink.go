package progress

import "context"

// Sink consumes batches of progress events. Consume may be called for
// different sinks concurrently but never concurrently on the same sink, and
// the batch must not be modified.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close does nothing.
func (SinkFunc) Close(context.Context) error {
	return nil
}

// Emitter publishes individual events. Workers, the submission path and the
// proxy monitor depend on this rather than on Hub.
type Emitter interface {
	Emit(evt Event)
}
