package engineio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

type ContextKey byte

const ctxKeySocket ContextKey = 0x12

type ReadyState string

const (
	StateOpening ReadyState = "opening"
	StateOpen    ReadyState = "open"
	StateClosing ReadyState = "closing"
	StateClosed  ReadyState = "closed"

	statePausing ReadyState = "pausing"
	statePaused  ReadyState = "paused"
)

const (
	TRANSPORT_POLLING   = "polling"
	TRANSPORT_WEBSOCKET = "websocket"
	TRANSPORT_STREAM    = "stream"
)

// Close reasons reported with the "close" event.
const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
	ReasonParseError     = "parse error"
	ReasonForcedClose    = "forced close"
)

var (
	ErrPingTimeout         = errors.New("engineio: ping timeout")
	ErrMessageNotSupported = errors.New("engineio: message not supported")
	ErrNoTransports        = errors.New("engineio: no transports available")
	ErrUnknownTransport    = errors.New("engineio: unknown transport")
	ErrParse               = errors.New("engineio: parse error")
)

// TransportError describes a failure of one transport instance.
type TransportError struct {
	Transport   string
	Reason      string
	Description error
}

func (e *TransportError) Error() string {
	if e.Description != nil {
		return fmt.Sprintf("%s: %s: %v", e.Transport, e.Reason, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Transport, e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Description }

// HandshakeError is reported when the session never reaches the open state.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "engineio: handshake failed: " + e.Err.Error() }

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProbeError is emitted with "upgradeError" when a transport probe fails. The
// session keeps running on its current transport.
type ProbeError struct {
	Transport string
	Reason    string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("engineio: probe %s: %s", e.Transport, e.Reason)
}

// UpgradeMemory remembers whether a websocket connection succeeded, so a
// later session can skip polling. It is owned by the long-lived client object
// and handed to each Socket it creates.
type UpgradeMemory struct {
	priorWebsocketSuccess atomic.Bool
}

func (m *UpgradeMemory) PriorWebsocketSuccess() bool {
	return m != nil && m.priorWebsocketSuccess.Load()
}

func (m *UpgradeMemory) set(v bool) {
	if m != nil {
		m.priorWebsocketSuccess.Store(v)
	}
}
