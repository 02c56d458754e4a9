// Package config loads client, server and logging settings for the command
// line tools from a file and SIOLINK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghuvrons/siolink"
	"github.com/ghuvrons/siolink/engineio"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/spf13/viper"
)

// File is the root configuration.
type File struct {
	Client Client         `mapstructure:"client"`
	Server Server         `mapstructure:"server"`
	Log    logging.Config `mapstructure:"log"`
}

// Client holds the options of siolink-probe.
type Client struct {
	URL     string                 `mapstructure:"url"`
	Manager siolink.ManagerOptions `mapstructure:",squash"`
	Socket  siolink.SocketOptions  `mapstructure:",squash"`

	// Query and ExtraHeaders are flat maps in the file; they become the
	// url.Values and http.Header of the engine options.
	Query        map[string]string `mapstructure:"query"`
	ExtraHeaders map[string]string `mapstructure:"extra_headers"`
}

// Server holds the options of siolink-server.
type Server struct {
	Addr string `mapstructure:"addr"`
	// StreamAddr, when set, accepts the framed stream transport over TCP.
	StreamAddr  string                 `mapstructure:"stream_addr"`
	Engine      engineio.ServerOptions `mapstructure:",squash"`
	CORSOrigins []string               `mapstructure:"cors_origins"`
}

// Default returns a File populated with the library defaults.
func Default() *File {
	return &File{
		Client: Client{
			URL:     "http://localhost:8000",
			Manager: siolink.DefaultManagerOptions(),
		},
		Server: Server{
			Addr:        ":8000",
			Engine:      engineio.DefaultServerOptions(),
			CORSOrigins: []string{"*"},
		},
		Log: logging.DefaultConfig(),
	}
}

// ManagerOptions returns the client manager options, query and headers
// included.
func (c Client) ManagerOptions() siolink.ManagerOptions {
	opts := c.Manager
	if len(c.Query) > 0 {
		opts.Engine.Query = url.Values{}
		for k, v := range c.Query {
			opts.Engine.Query.Set(k, v)
		}
	}
	if len(c.ExtraHeaders) > 0 {
		opts.Engine.ExtraHeaders = http.Header{}
		for k, v := range c.ExtraHeaders {
			opts.Engine.ExtraHeaders.Set(k, v)
		}
	}
	return opts
}

// Load reads configuration from path, or from siolink.{yaml,toml,json} in the
// working directory or ./configs when path is empty. A missing file is not
// an error. Environment variables use the prefix SIOLINK with `.` replaced
// by `_`, e.g. SIOLINK_CLIENT_RECONNECTION_DELAY=2s.
func Load(path string) (*File, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("SIOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("SIOLINK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("siolink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".siolink"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds every key so environment-only configurations work.
func setDefaults(v *viper.Viper, cfg *File) {
	c := cfg.Client
	v.SetDefault("client.url", c.URL)
	v.SetDefault("client.engine.path", c.Manager.Engine.Path)
	v.SetDefault("client.engine.transports", c.Manager.Engine.Transports)
	v.SetDefault("client.engine.upgrade", c.Manager.Engine.Upgrade)
	v.SetDefault("client.engine.remember_upgrade", c.Manager.Engine.RememberUpgrade)
	v.SetDefault("client.engine.try_all_transports", c.Manager.Engine.TryAllTransports)
	v.SetDefault("client.engine.timestamp_requests", c.Manager.Engine.TimestampRequests)
	v.SetDefault("client.engine.timestamp_param", c.Manager.Engine.TimestampParam)
	v.SetDefault("client.engine.max_payload", c.Manager.Engine.MaxPayload)
	v.SetDefault("client.engine.request_timeout", c.Manager.Engine.RequestTimeout)
	v.SetDefault("client.reconnection", c.Manager.Reconnection)
	v.SetDefault("client.reconnection_attempts", c.Manager.ReconnectionAttempts)
	v.SetDefault("client.reconnection_delay", c.Manager.ReconnectionDelay)
	v.SetDefault("client.reconnection_delay_max", c.Manager.ReconnectionDelayMax)
	v.SetDefault("client.randomization_factor", c.Manager.RandomizationFactor)
	v.SetDefault("client.timeout", c.Manager.Timeout)
	v.SetDefault("client.auto_connect", c.Manager.AutoConnect)
	v.SetDefault("client.ack_timeout", c.Socket.AckTimeout)
	v.SetDefault("client.retries", c.Socket.Retries)

	s := cfg.Server
	v.SetDefault("server.addr", s.Addr)
	v.SetDefault("server.stream_addr", s.StreamAddr)
	v.SetDefault("server.ping_interval", s.Engine.PingInterval)
	v.SetDefault("server.ping_timeout", s.Engine.PingTimeout)
	v.SetDefault("server.max_payload", s.Engine.MaxPayload)
	v.SetDefault("server.allow_upgrades", s.Engine.AllowUpgrades)
	v.SetDefault("server.cors_origins", s.CORSOrigins)

	l := cfg.Log
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.outputs", l.Outputs)
	v.SetDefault("log.development", l.Development)
	v.SetDefault("log.rotation.enable", l.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", l.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", l.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", l.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", l.Rotation.Compress)
}

func (f *File) validate() error {
	switch strings.ToLower(strings.TrimSpace(f.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", f.Log.Level)
	}

	known := map[string]bool{
		engineio.TRANSPORT_POLLING:   true,
		engineio.TRANSPORT_WEBSOCKET: true,
		engineio.TRANSPORT_STREAM:    true,
	}
	for i, name := range f.Client.Manager.Engine.Transports {
		name = strings.ToLower(strings.TrimSpace(name))
		if !known[name] {
			return fmt.Errorf("invalid client.engine.transports[%d]: %q", i, name)
		}
		f.Client.Manager.Engine.Transports[i] = name
	}

	if f.Client.Manager.RandomizationFactor < 0 || f.Client.Manager.RandomizationFactor > 1 {
		return fmt.Errorf("client.randomization_factor must be within [0, 1], got %v", f.Client.Manager.RandomizationFactor)
	}
	if f.Client.Socket.Retries < 0 {
		return fmt.Errorf("client.retries must not be negative, got %d", f.Client.Socket.Retries)
	}
	if _, err := url.Parse(f.Client.URL); err != nil {
		return fmt.Errorf("invalid client.url: %w", err)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *File {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
