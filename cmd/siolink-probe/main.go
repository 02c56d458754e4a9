package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/ghuvrons/siolink"
	"github.com/ghuvrons/siolink/internal/config"
	"github.com/ghuvrons/siolink/internal/logging"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (yaml, toml or json)")
		rawURL     = flag.String("url", "", "server url with the namespace as path, overrides client.url")
		event      = flag.String("event", "echo", "event to emit")
		data       = flag.String("data", "", "json array of event arguments, or a single json value")
		timeout    = flag.Duration("timeout", 10*time.Second, "time allowed for connecting and the acknowledgement")
		listen     = flag.Duration("listen", 0, "keep printing incoming events for this long after the reply")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *rawURL != "" {
		cfg.Client.URL = *rawURL
	}
	args, err := parseArgs(*data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -data: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := probe(ctx, cfg.Client, *event, args, *timeout, *listen, os.Stdout); err != nil {
		logger.Error("probe_failed", zap.Error(err))
		os.Exit(1)
	}
}

// parseArgs reads the -data flag: a JSON array is spread into arguments,
// any other JSON value is the only argument.
func parseArgs(data string) ([]any, error) {
	if data == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}

func probe(ctx context.Context, cfg config.Client, event string, args []any, timeout, listen time.Duration, out io.Writer) error {
	mopts := cfg.ManagerOptions()
	mopts.Logger = logging.L()
	socket, err := siolink.Dial(cfg.URL, mopts, cfg.Socket)
	if err != nil {
		return err
	}
	manager := socket.Manager()
	defer func() {
		manager.Close()
		<-manager.Done()
	}()

	// handlers run on the manager's loop and must not block
	connected := make(chan error, 8)
	notify := func(err error) {
		select {
		case connected <- err:
		default:
		}
	}
	socket.On("connect", func(...any) { notify(nil) })
	socket.On("connect_error", func(args ...any) {
		err, _ := args[0].(error)
		notify(err)
	})
	socket.OnAny(func(event string, args ...any) {
		printJSON(out, "event", map[string]any{"event": event, "args": args})
	})

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	select {
	case err := <-connected:
		if err != nil {
			// with reconnection on, keep waiting for a later attempt
			if !mopts.Reconnection {
				return fmt.Errorf("connect: %w", err)
			}
			if err := waitConnected(ctx, connected); err != nil {
				return err
			}
		}
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	}
	printJSON(out, "connected", map[string]any{"sid": socket.ID(), "nsp": socket.Namespace()})

	reply, err := socket.EmitWithAck(ctx, event, args...)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	printJSON(out, "ack", reply)

	if listen > 0 {
		select {
		case <-time.After(listen):
		case <-parent.Done():
		}
	}
	return nil
}

func waitConnected(ctx context.Context, connected chan error) error {
	for {
		select {
		case err := <-connected:
			if err == nil {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("connect: %w", ctx.Err())
		}
	}
}

func printJSON(out io.Writer, kind string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	fmt.Fprintf(out, "%s %s\n", kind, b)
}
