package engineio

import (
	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/metrics"
	"go.uber.org/zap"
)

var probePayload = []byte("probe")

// probe opens a second transport next to the current one and switches to it
// once it answers a "probe" ping. Until the switch the current transport keeps
// carrying the session; any failure leaves it in place.
func (socket *Socket) probe(name string) {
	transport, err := socket.createTransport(name)
	if err != nil {
		socket.logger.Debug("probe_unavailable", zap.String("transport", name), zap.Error(err))
		return
	}
	logger := socket.logger.With(zap.String("probe", name))
	logger.Debug("probe_start")

	failed := false
	pausing := false
	var offs []func()
	cleanup := func() {
		for _, off := range offs {
			off()
		}
		offs = nil
	}

	freeze := func() {
		if failed {
			return
		}
		failed = true
		cleanup()
		transport.Close()
	}

	abort := func(reason string) {
		if failed {
			return
		}
		freeze()
		logger.Debug("probe_error", zap.String("reason", reason))
		metrics.IncUpgrade(name, "failed")
		probeErr := &ProbeError{Transport: name, Reason: reason}
		socket.Emit("upgradeError", probeErr)

		// The current transport is already paused and cannot take the
		// session back.
		if pausing && socket.readyState != StateClosed {
			socket.upgrading = false
			socket.onError(&TransportError{Transport: socket.transport.Name(), Reason: "upgrade aborted", Description: probeErr})
		}
	}

	onTransportOpen := func(...any) {
		if failed {
			return
		}
		transport.Send([]parser.Packet{parser.NewPacket(parser.PACKET_PING, probePayload)})
		transport.Once("packet", func(args ...any) {
			if failed {
				return
			}
			msg := args[0].(parser.Packet)
			if msg.Type != parser.PACKET_PONG || string(msg.Data) != string(probePayload) {
				abort("probe error")
				return
			}

			logger.Debug("probe_success")
			socket.upgrading = true
			socket.Emit("upgrading", name)
			socket.opts.UpgradeMemory.set(name == TRANSPORT_WEBSOCKET)

			pausing = true
			socket.transport.Pause(func() {
				if failed || socket.readyState == StateClosed {
					return
				}
				cleanup()

				old := socket.transport
				socket.setTransport(transport)
				transport.Send([]parser.Packet{parser.NewPacket(parser.PACKET_UPGRADE, nil)})
				old.Close()

				logger.Info("transport_upgraded", zap.String("from", old.Name()))
				metrics.IncUpgrade(name, "success")
				socket.Emit("upgrade", name)
				socket.upgrading = false
				socket.flush()
			})
		})
	}

	offs = []func(){
		transport.Once("open", onTransportOpen),
		transport.Once("error", func(args ...any) {
			err, _ := args[0].(error)
			reason := "probe error"
			if err != nil {
				reason = err.Error()
			}
			abort(reason)
		}),
		transport.Once("close", func(...any) { abort("transport closed") }),
		socket.Once("close", func(...any) { abort("socket closed") }),
		socket.On("upgrading", func(args ...any) {
			if to, _ := args[0].(string); to != name {
				freeze()
			}
		}),
	}

	transport.Open()
}
