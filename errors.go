package siolink

import (
	"errors"
	"fmt"
)

var (
	ErrAckTimeout   = errors.New("siolink: operation has timed out")
	ErrDisconnected = errors.New("siolink: socket has been disconnected")
	ErrOpenTimeout  = errors.New("siolink: open timeout")
	ErrNotConnected = errors.New("siolink: socket is not connected")
	// ErrLegacyServer is reported with connect_error when the server answers
	// CONNECT without a session id, as v2 servers do.
	ErrLegacyServer = errors.New("siolink: server speaks an older Socket.IO protocol")
)

// ConnectError is delivered with the "connect_error" event when the server
// refuses a namespace connection.
type ConnectError struct {
	Message string
	Data    any
}

func (e *ConnectError) Error() string {
	return "siolink: connect refused: " + e.Message
}

func newConnectError(data any) *ConnectError {
	switch v := data.(type) {
	case string:
		return &ConnectError{Message: v}
	case map[string]any:
		message, _ := v["message"].(string)
		return &ConnectError{Message: message, Data: v["data"]}
	}
	return &ConnectError{Message: fmt.Sprint(data)}
}

// reserved events are emitted by the library itself and cannot be sent.
var reservedEvents = map[string]struct{}{
	"connect":        {},
	"connect_error":  {},
	"disconnect":     {},
	"disconnecting":  {},
	"newListener":    {},
	"removeListener": {},
}

func checkEventName(event string) {
	if _, ok := reservedEvents[event]; ok {
		panic(fmt.Sprintf("siolink: %q is a reserved event name", event))
	}
}
