package siolink

import (
	"github.com/ghuvrons/siolink/internal/metrics"
	"go.uber.org/zap"
)

// queuedPacket is an event of the retry queue. Only the head of the queue
// is ever in flight.
type queuedPacket struct {
	id       int
	args     []any
	flags    emitFlags
	tryCount int
	pending  bool
}

func (socket *Socket) addToQueue(data []any, flags emitFlags) {
	ack, _ := popAck(&data)
	flags.fromQueue = true

	queued := &queuedPacket{id: socket.queueSeq, flags: flags}
	socket.queueSeq++

	args := make([]any, 0, len(data)+1)
	args = append(args, data...)
	queued.args = append(args, AckCallback(func(err error, response ...any) {
		if len(socket.queue) == 0 || socket.queue[0] != queued {
			// already settled
			return
		}
		if err != nil {
			if queued.tryCount > socket.opts.Retries {
				socket.queue = socket.queue[1:]
				metrics.IncRetryDrop()
				socket.logger.Warn("retry_dropped",
					zap.Int("id", queued.id), zap.Int("tries", queued.tryCount), zap.Error(err))
				if ack != nil {
					ack(err)
				}
			}
		} else {
			socket.queue = socket.queue[1:]
			if ack != nil {
				ack(nil, response...)
			}
		}
		queued.pending = false
		socket.drainQueue(false)
	}))

	socket.queue = append(socket.queue, queued)
	socket.drainQueue(false)
}

// drainQueue sends the head of the queue unless it is already in flight.
// force resends it, which happens on (re)connection.
func (socket *Socket) drainQueue(force bool) {
	if !socket.connected || len(socket.queue) == 0 {
		return
	}
	head := socket.queue[0]
	if head.pending && !force {
		return
	}
	head.pending = true
	head.tryCount++
	socket.logger.Debug("retry_send", zap.Int("id", head.id), zap.Int("try", head.tryCount))
	socket.emit(append([]any(nil), head.args...), head.flags)
}
