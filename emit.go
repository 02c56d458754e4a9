package siolink

import (
	"context"
	"time"
)

type emitFlags struct {
	timeout    *time.Duration
	volatile   bool
	noCompress bool
	fromQueue  bool
}

// Emitter emits on a Socket with per-call flags. It is a value: deriving a
// new one never changes the socket or the Emitter it came from.
type Emitter struct {
	socket *Socket
	flags  emitFlags
}

// Timeout makes the acknowledgement fail with ErrAckTimeout after d.
func (e Emitter) Timeout(d time.Duration) Emitter {
	e.flags.timeout = &d
	return e
}

func (e Emitter) Volatile() Emitter {
	e.flags.volatile = true
	return e
}

// Compress is a hint for transports able to compress.
func (e Emitter) Compress(compress bool) Emitter {
	e.flags.noCompress = !compress
	return e
}

func (e Emitter) Emit(event string, args ...any) {
	checkEventName(event)
	data := make([]any, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)
	e.socket.io.loop.Post(func() { e.socket.emit(data, e.flags) })
}

// EmitWithAck emits event and blocks until it is acknowledged, fails, or
// ctx is done.
func (e Emitter) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	type result struct {
		args []any
		err  error
	}
	done := make(chan result, 1)

	withAck := make([]any, 0, len(args)+1)
	withAck = append(withAck, args...)
	withAck = append(withAck, AckCallback(func(err error, args ...any) {
		done <- result{args: args, err: err}
	}))
	e.Emit(event, withAck...)

	select {
	case r := <-done:
		return r.args, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
