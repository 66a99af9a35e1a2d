package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"jobchat/database"
	"jobchat/handlers"
	"jobchat/metrics"
	"jobchat/middleware"
)

// DevServerFlags configures the local development backend.
type DevServerFlags struct {
	Listen   string
	Database string
}

func NewDevServerFlags() *DevServerFlags {
	return &DevServerFlags{}
}

func (f *DevServerFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.Listen, "listen", f.Listen, "The address to serve on (default from config, PORT or :8080)")
	flagSet.StringVar(&f.Database, "database", f.Database, "SQLite file holding threads and messages")
}

func NewDevServerCommand() *cobra.Command {
	f := NewDevServerFlags()

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local chat backend",
		Long: `Serves the socket endpoint over websocket and polling, the job history
REST route, and /metrics. Without configured participants any non-empty
token is accepted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if f.Listen != "" {
				cfg.DevServer.Listen = f.Listen
			}
			if f.Database != "" {
				cfg.DevServer.Database = f.Database
			}

			store, err := database.Open(cfg.DevServer.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srv := handlers.NewServer(handlers.Config{
				Store:          store,
				Auth:           middleware.NewAuthenticator(cfg.Tokens()),
				Metrics:        metrics.NewDevServer(reg),
				Logger:         log.WithField("component", "devserver"),
				SocketPath:     cfg.Socket.Path,
				MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go srv.Run(ctx)

			httpSrv := &http.Server{
				Addr:              cfg.DevServer.Listen,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(shutdownCtx)
			}()

			log.WithFields(log.Fields{
				"addr":         cfg.DevServer.Listen,
				"database":     cfg.DevServer.Database,
				"participants": len(cfg.DevServer.Participants),
			}).Info("devserver starting")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			log.Info("devserver stopped")
			return nil
		},
	}
	f.BindFlags(cmd.Flags())
	return cmd
}
