package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/Tyrowin/carpool-chat/internal/bridge"
	"github.com/Tyrowin/carpool-chat/internal/broker"
	"github.com/Tyrowin/carpool-chat/internal/chat"
	"github.com/Tyrowin/carpool-chat/internal/config"
	"github.com/Tyrowin/carpool-chat/internal/logging"
	"github.com/Tyrowin/carpool-chat/internal/metrics"
	"github.com/Tyrowin/carpool-chat/internal/registry"
	"github.com/Tyrowin/carpool-chat/internal/server"
	"github.com/Tyrowin/carpool-chat/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		configFile string
		envFile    string
	)
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the WebSocket chat server.

Settings come from built-in defaults, the optional .env file, the optional
config file, CARPOOL_* environment variables and flags, later sources
overriding earlier ones.

Examples:
  carpool-chat serve
  carpool-chat serve --port 9000
  carpool-chat serve --config /etc/carpool/chat.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file (yaml, json or toml)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the environment is read")
	cmd.Flags().StringP("port", "p", "", "Listen address or port (default :8080)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))

	return cmd
}

// serve runs the server until ctx is cancelled, then shuts it down: HTTP
// listener first, then connections, then the broker and the store.
func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	br, closeBroker, err := openBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBroker()

	b := bridge.New(registry.New(), br, log.Named("bridge"),
		bridge.WithMetrics(m), bridge.WithTimeout(cfg.Broker.Timeout))
	h := chat.NewHandler(b, st, log.Named("chat"),
		chat.WithMetrics(m), chat.WithStoreTimeout(cfg.Store.Timeout))
	srv := server.New(cfg, h, log.Named("server"),
		server.WithMetrics(m), server.WithGatherer(promReg))

	srv.StartHub()
	httpServer := server.CreateServer(cfg.Server, srv.Routes())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
		}
		_ = srv.Hub().Shutdown(cfg.Server.ShutdownTimeout)
		b.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	var errs []error
	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, log); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := srv.Hub().Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	b.Shutdown(shutdownCtx)

	log.Info("server stopped")
	return errors.Join(errs...)
}

func openBroker(ctx context.Context, cfg *config.Config, log *zap.Logger) (broker.Broker, func(), error) {
	if cfg.Broker.Driver == config.BrokerMemory {
		log.Warn("using in-process broker; messages will not reach other server processes")
		br := broker.NewMemory()
		return br, func() { _ = br.Close() }, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
	defer cancel()

	client, err := broker.NewRedisClient(connectCtx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}

	br := broker.NewRedis(client, cfg.Redis.Prefix, log.Named("redis"))
	closeFn := func() {
		if err := br.Close(); err != nil {
			log.Warn("closing redis subscriber failed", zap.Error(err))
		}
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.Warn("closing redis client failed", zap.Error(err))
		}
	}
	log.Info("connected to redis broker")
	return br, closeFn, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (chat.Store, func(), error) {
	if cfg.Store.Driver == config.StoreMemory {
		log.Warn("using in-memory chat store; messages are not persisted")
		return store.NewMemory(0), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := store.Connect(connectCtx, cfg.Mongo.URI)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { disconnectMongo(client, log) }

	st := store.NewMongo(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
	if err := st.EnsureIndexes(connectCtx); err != nil {
		closeFn()
		return nil, nil, err
	}
	log.Info("connected to mongo store",
		zap.String("database", cfg.Mongo.Database), zap.String("collection", cfg.Mongo.Collection))
	return st, closeFn, nil
}

func disconnectMongo(client *mongo.Client, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Warn("disconnecting mongo failed", zap.Error(err))
	}
}
