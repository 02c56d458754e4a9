package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghuvrons/siolink"
	"github.com/ghuvrons/siolink/internal/config"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (yaml, toml or json)")
		addr       = flag.String("addr", "", "http listen address, overrides server.addr")
		streamAddr = flag.String("stream", "", "tcp listen address for the stream transport, overrides server.stream_addr")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *streamAddr != "" {
		cfg.Server.StreamAddr = *streamAddr
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg.Server, logger); err != nil {
		logger.Error("server_failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Server, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.Engine
	opts.Logger = logger
	io := siolink.NewServer(opts)
	defer io.Close()
	registerHandlers(io, logger)

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(io, cfg.CORSOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("http_listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	if cfg.StreamAddr != "" {
		ln, err := net.Listen("tcp", cfg.StreamAddr)
		if err != nil {
			return fmt.Errorf("listen stream: %w", err)
		}
		defer ln.Close()
		logger.Info("stream_listening", zap.String("addr", cfg.StreamAddr))
		go func() {
			if err := acceptStreams(ln, io); err != nil && !errors.Is(err, net.ErrClosed) {
				errs <- err
			}
		}()
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func acceptStreams(ln net.Listener, io *siolink.Server) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go io.ServeConn(conn)
	}
}
