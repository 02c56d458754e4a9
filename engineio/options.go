package engineio

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ghuvrons/siolink/internal/eventloop"
	"go.uber.org/zap"
)

// SocketOptions configures a client Socket.
type SocketOptions struct {
	// Path of the Engine.IO endpoint, "/engine.io/" by default.
	Path string `mapstructure:"path"`
	// Query is appended to every transport URL.
	Query url.Values `mapstructure:"-"`
	// ExtraHeaders are sent with every HTTP request and websocket handshake.
	ExtraHeaders http.Header `mapstructure:"-"`
	// Transports in order of preference.
	Transports []string `mapstructure:"transports"`
	// Upgrade enables probing for a better transport after the handshake.
	Upgrade bool `mapstructure:"upgrade"`
	// RememberUpgrade opens straight on websocket when a previous session
	// managed to use it. Requires UpgradeMemory.
	RememberUpgrade bool `mapstructure:"remember_upgrade"`
	// TryAllTransports moves on to the next transport when one fails to open.
	TryAllTransports bool `mapstructure:"try_all_transports"`
	// TimestampRequests adds a cache-busting parameter to polling requests.
	TimestampRequests bool   `mapstructure:"timestamp_requests"`
	TimestampParam    string `mapstructure:"timestamp_param"`
	// MaxPayload bounds a single stream frame accepted from the server.
	MaxPayload int `mapstructure:"max_payload"`
	// RequestTimeout bounds each polling request and dial.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	HTTPClient    *http.Client   `mapstructure:"-"`
	StreamDialer  DialFunc       `mapstructure:"-"`
	UpgradeMemory *UpgradeMemory `mapstructure:"-"`
	// TransportFactories overrides or extends the built-in transports.
	TransportFactories map[string]TransportFactory `mapstructure:"-"`
	// Loop runs every protocol state change. A Socket creates its own when nil.
	Loop   *eventloop.Loop `mapstructure:"-"`
	Logger *zap.Logger     `mapstructure:"-"`
}

func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		Path:              "/engine.io/",
		Transports:        []string{TRANSPORT_POLLING, TRANSPORT_WEBSOCKET},
		Upgrade:           true,
		TimestampRequests: true,
		TimestampParam:    "t",
		RequestTimeout:    45 * time.Second,
	}
}

// ServerOptions configures the server endpoint. Intervals are milliseconds, as
// they appear in the handshake.
type ServerOptions struct {
	PingInterval int `mapstructure:"ping_interval"`
	PingTimeout  int `mapstructure:"ping_timeout"`
	MaxPayload   int `mapstructure:"max_payload"`
	// AllowUpgrades advertises websocket to polling clients.
	AllowUpgrades bool        `mapstructure:"allow_upgrades"`
	Logger        *zap.Logger `mapstructure:"-"`
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		PingInterval:  25000,
		PingTimeout:   20000,
		MaxPayload:    1_000_000,
		AllowUpgrades: true,
	}
}
