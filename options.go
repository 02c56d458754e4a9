package siolink

import (
	"time"

	"github.com/ghuvrons/siolink/engineio"
	"go.uber.org/zap"
)

// ManagerOptions configures a Manager. Start from DefaultManagerOptions: the
// zero value disables reconnection.
type ManagerOptions struct {
	Engine engineio.SocketOptions `mapstructure:"engine"`

	Reconnection bool `mapstructure:"reconnection"`
	// ReconnectionAttempts bounds consecutive attempts; 0 means unlimited.
	ReconnectionAttempts int           `mapstructure:"reconnection_attempts"`
	ReconnectionDelay    time.Duration `mapstructure:"reconnection_delay"`
	ReconnectionDelayMax time.Duration `mapstructure:"reconnection_delay_max"`
	RandomizationFactor  float64       `mapstructure:"randomization_factor"`
	// Timeout bounds each open attempt; 0 waits forever.
	Timeout time.Duration `mapstructure:"timeout"`
	// AutoConnect connects namespace sockets as soon as they are created.
	AutoConnect bool `mapstructure:"auto_connect"`

	Logger *zap.Logger `mapstructure:"-"`
}

func DefaultManagerOptions() ManagerOptions {
	engine := engineio.DefaultSocketOptions()
	engine.Path = "/socket.io/"
	return ManagerOptions{
		Engine:               engine,
		Reconnection:         true,
		ReconnectionDelay:    time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		RandomizationFactor:  0.5,
		Timeout:              20 * time.Second,
		AutoConnect:          true,
	}
}

// SocketOptions configures one namespace socket.
type SocketOptions struct {
	// Auth is sent with the CONNECT packet.
	Auth map[string]any `mapstructure:"auth"`
	// AckTimeout applies to every emit expecting an acknowledgement; 0 means
	// acknowledgements are awaited until the socket disconnects.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// Retries enables the ordered retry queue: each emit is sent alone, and
	// resent up to Retries times when its acknowledgement fails.
	Retries int `mapstructure:"retries"`
}
