package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"jobchat/api"
	"jobchat/chat"
	"jobchat/config"
	"jobchat/database"
)

var (
	logLevel   = "info"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jobchat",
	Short: "Real-time job chat client and development backend",
	Long: `jobchat keeps the customer/provider conversation of a roadside job in sync:
live messages over a socket, history backfill over REST, and unread counters.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			log.WithError(err).Fatal("cannot parse log-level")
		}
		log.SetLevel(level)
		log.Debug("debug logging enabled")
	},
}

func main() {
	// Millisecond timestamps make reconnect timing readable.
	formatter := new(log.TextFormatter)
	formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
	formatter.FullTimestamp = true
	log.SetFormatter(formatter)

	rootCmd.AddCommand(
		NewTailCommand(),
		NewSendCommand(),
		NewDevServerCommand(),
		NewVersionCommand(),
	)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level (trace,debug,info,warn,error) (default info)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a YAML config file")

	err := rootCmd.Execute()
	if err != nil {
		log.WithError(err).Fatal("could not execute root command")
	}
}

// loadConfig reads --config, then .env and the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientFlags override the client side of the config.
type ClientFlags struct {
	ServerURL   string
	Token       string
	CachePath   string
	MetricsAddr string
	Transports  []string
}

func NewClientFlags() *ClientFlags {
	return &ClientFlags{}
}

func (f *ClientFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ServerURL, "server", f.ServerURL, "Backend base URL (default from config or http://localhost:8080)")
	flagSet.StringVar(&f.Token, "token", f.Token, "Session credential")
	flagSet.StringVar(&f.CachePath, "cache", f.CachePath, "SQLite file caching messages between runs")
	flagSet.StringVar(&f.MetricsAddr, "metrics-addr", f.MetricsAddr, "The address to serve prometheus metrics on")
	flagSet.StringSliceVar(&f.Transports, "transports", f.Transports, "Transports to try in order (websocket,polling)")
}

// Apply overlays the flags that were set onto cfg.
func (f *ClientFlags) Apply(cfg *config.Config) {
	if f.ServerURL != "" {
		cfg.ServerURL = f.ServerURL
	}
	if f.Token != "" {
		cfg.Token = f.Token
	}
	if f.CachePath != "" {
		cfg.CachePath = f.CachePath
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if len(f.Transports) > 0 {
		cfg.Socket.Transports = f.Transports
	}
}

// session is a JobChat plus the resources it owns.
type session struct {
	chat  *chat.JobChat
	cache *database.Store
}

func (s *session) Close() {
	s.chat.Disconnect()
	if s.cache != nil {
		s.cache.Close()
	}
}

func newSession(cfg *config.Config, reg prometheus.Registerer) (*session, error) {
	s := &session{}
	opts := chat.Options{
		URL:               cfg.ServerURL,
		SocketPath:        cfg.Socket.Path,
		Transports:        cfg.Socket.Transports,
		ReconnectDelay:    cfg.Socket.ReconnectDelay,
		ReconnectDelayMax: cfg.Socket.ReconnectDelayMax,
		ConnectTimeout:    cfg.Socket.Timeout,
		RequestTimeout:    cfg.Socket.RequestTimeout,
		HistoryTimeout:    cfg.HistoryTimeout,
		History:           api.NewClient(cfg.ServerURL, cfg.HistoryTimeout),
		Registerer:        reg,
		Logger:            log.WithField("component", "jobchat"),
	}
	if cfg.CachePath != "" {
		store, err := database.Open(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		s.cache = store
		opts.Cache = store
	}
	s.chat = chat.New(opts)
	return s, nil
}

// serveMetrics exposes reg on addr in the background. An empty addr is a no-op.
func serveMetrics(addr string, reg *prometheus.Registry) {
	if strings.TrimSpace(addr) == "" {
		return
	}
	router := metricsRouter(reg)
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := http.ListenAndServe(addr, router); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
}

func metricsRouter(reg *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}
