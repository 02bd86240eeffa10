package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks5-proxy/internal/application"
	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/credentials"
	"socks5-proxy/internal/infrastructure/epoll"
	"socks5-proxy/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defaults := application.DefaultConfig()
	var (
		passwordFile   = pflag.String("password_file", "", "CSV file of username,base64(password) rows. Empty allows only unauthenticated clients.")
		logLevel       = pflag.String("loglevel", "WARNING", "Log level: DEBUG, INFO, WARNING or ERROR")
		port           = pflag.Int("port", defaults.Port, "Port to listen on")
		bind           = pflag.String("bind", defaults.Bind.String(), "Address to listen on")
		idleTimeout    = pflag.Duration("idle_timeout", defaults.IdleTimeout, "Close connections idle for this long")
		connectTimeout = pflag.Duration("connect_timeout", defaults.ConnectTimeout, "Timeout for the upstream TCP connect")
		dnsServer      = pflag.String("dns_server", "", "DNS server host:port. Empty uses the first nameserver in /etc/resolv.conf.")
		bufferSize     = pflag.Int("buffer_size", defaults.BufferSize, "Relay buffer size per direction in bytes")
		requireAuth    = pflag.Bool("require_auth", false, "Refuse unauthenticated clients when a password file is set")
		connectionLog  = pflag.String("connection_log", "", "Append one record per CONNECT request to this file. Empty disables.")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log, err := logger.Setup(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --loglevel: %w", err)
	}
	log.Info("Initializing SOCKS5 Proxy...")

	bindAddr, err := netip.ParseAddr(*bind)
	if err != nil {
		return fmt.Errorf("invalid --bind: %w", err)
	}

	cfg := defaults
	cfg.Bind = bindAddr
	cfg.Port = *port
	cfg.IdleTimeout = *idleTimeout
	cfg.ConnectTimeout = *connectTimeout
	cfg.DNSServer = *dnsServer
	cfg.BufferSize = *bufferSize
	cfg.RequireAuth = *requireAuth

	// auth must stay an untyped nil without a password file.
	var auth domain.Authenticator
	if *passwordFile != "" {
		store, err := credentials.Load(*passwordFile)
		if err != nil {
			return err
		}
		log.Info("Loaded credentials", "users", store.Len())
		auth = store
	}

	connLog, connLogFile, err := logger.ConnectionLog(*connectionLog)
	if err != nil {
		return err
	}
	defer connLogFile.Close()

	eventLoop, err := epoll.New(cfg.TickInterval)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	defer eventLoop.Close()

	proxy, err := application.NewProxyService(eventLoop, log, cfg, auth)
	if err != nil {
		return fmt.Errorf("failed to create proxy service: %w", err)
	}
	proxy.SetConnectionLog(connLog)

	g, ctx := errgroup.WithContext(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.Go(func() error {
		if err := proxy.Start(ctx); err != nil {
			return fmt.Errorf("proxy stopped unexpectedly: %w", err)
		}
		return nil
	})
	log.Info("Proxy listening", "addr", proxy.Addr(), "auth", auth != nil)

	err = g.Wait()
	log.Info("Shutting down")
	return err
}
