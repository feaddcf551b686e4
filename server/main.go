// Command server runs the storysync relay: the REST session API and the
// websocket process that orders every edit within a session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"storysync/internal/config"
	"storysync/internal/discovery"
	"storysync/internal/relay"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "server",
		Short:         "storysync relay server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		redisAddr  string
		dbURL      string
		maxConns   int
		advertise  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP and websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("listen") {
				cfg.Relay.ListenAddr = listen
			}
			if f.Changed("redis") {
				cfg.Relay.RedisAddr = redisAddr
			}
			if f.Changed("database-url") {
				cfg.Relay.DatabaseURL = dbURL
			}
			if f.Changed("max-connections") {
				cfg.Relay.MaxConnections = maxConns
			}
			if f.Changed("advertise") {
				cfg.Relay.Advertise = advertise
			}
			log, err := cfg.Logger()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg.Relay, log)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVar(&listen, "listen", ":8081", "listen address")
	f.StringVar(&redisAddr, "redis", "", "Redis address for cross-process fan-out (default: in-process)")
	f.StringVar(&dbURL, "database-url", "", "Postgres URL for sessions and stories (default: in-memory)")
	f.IntVar(&maxConns, "max-connections", 10, "connections allowed per session")
	f.BoolVar(&advertise, "advertise", false, "announce the relay on the local network over mDNS")
	return cmd
}

func serve(ctx context.Context, cfg config.Relay, log *slog.Logger) error {
	rc := relay.Config{
		Logger:  log,
		Options: relay.Options{MaxConnections: cfg.MaxConnections},
	}

	if cfg.DatabaseURL != "" {
		store, err := relay.OpenPG(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		rc.Store = store
		log.Info("connected to PostgreSQL")
	}
	if cfg.RedisAddr != "" {
		broker, err := relay.NewRedisBroker(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer broker.Close()
		rc.Broker = broker
		log.Info("connected to Redis", "addr", cfg.RedisAddr)
	}
	if cfg.S3.Bucket != "" {
		rc.Snapshots = relay.NewS3Snapshots(relay.S3Options{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		log.Info("canvas snapshots in S3", "bucket", cfg.S3.Bucket)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rc.Metrics = relay.NewMetrics(reg)
	svc := relay.NewService(rc)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		ad, err := discovery.Advertise(cfg.Instance, port, version)
		if err != nil {
			log.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer ad.Shutdown()
			log.Info("mDNS service registered", "service", discovery.Service, "port", strconv.Itoa(port))
		}
	}

	srv := &http.Server{
		Handler:           relay.NewServer(svc, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info("relay running", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
