// Package app assembles the portalgate server from fx modules.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"portalgate/internal/adapter"
	"portalgate/internal/config"
	"portalgate/internal/handler"
	"portalgate/internal/hub"
	"portalgate/internal/logging"
	"portalgate/internal/repository"
	"portalgate/internal/repository/sqlite"
	"portalgate/internal/service"
	"portalgate/internal/watcher"
)

const ledgerPruneInterval = time.Hour

// Params are the command-line overrides
type Params struct {
	// ConfigPath skips the config search when set
	ConfigPath string
	// Addr overrides server.addr when set
	Addr            string
	LedgerRetention time.Duration
}

// ConfigPath is the file the config was loaded from, empty for defaults
type ConfigPath string

// New creates the fx application
func New(p Params) *fx.App {
	return fx.New(Options(p))
}

// Options returns every module of the application
func Options(p Params) fx.Option {
	return fx.Options(
		fx.Supply(p),
		fx.WithLogger(newEventLogger),
		ConfigModule,
		RepositoryModule,
		EventsModule,
		AdapterModule,
		ServiceModule,
		HTTPServerModule,
	)
}

// --- fx modules ---

var ConfigModule = fx.Module("config",
	fx.Provide(
		loadConfig,
		newLogger,
	),
)

var RepositoryModule = fx.Module("repository",
	fx.Provide(newRepository),
)

var EventsModule = fx.Module("events",
	fx.Provide(
		service.NewEventBus,
		newHub,
	),
	fx.Invoke(invokeKafkaSink, invokeNATSSink),
)

var AdapterModule = fx.Module("adapter",
	fx.Provide(
		adapter.NewRegistry,
		newDetector,
		newFactory,
	),
)

var ServiceModule = fx.Module("service",
	fx.Provide(newEquipmentService),
	fx.Invoke(invokeLedgerPruner, invokeConfigWatcher),
)

var HTTPServerModule = fx.Module("http_server",
	fx.Provide(
		handler.NewEquipmentHandler,
		newRouter,
	),
	fx.Invoke(invokeHTTPServer),
)

// --- providers ---

func loadConfig(p Params) (*config.Config, ConfigPath, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if p.ConfigPath != "" {
		cfg, path, err = config.LoadFromPath(p.ConfigPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, "", err
	}
	if p.Addr != "" {
		cfg.Server.Addr = p.Addr
	}
	return cfg, ConfigPath(path), nil
}

func newLogger(cfg *config.Config, path ConfigPath) (zerolog.Logger, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return log, err
	}
	if path != "" {
		log.Info().Str("path", string(path)).Msg("config loaded")
	} else {
		log.Info().Msg("no config file found, using defaults")
	}
	log.Info().Msg(cfg.Summary())
	return log, nil
}

func newRepository(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) (repository.Repository, error) {
	repo, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.Database.Path).Msg("database opened")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return repo.Close() },
	})
	return repo, nil
}

func newHub(lc fx.Lifecycle, cfg *config.Config, bus *service.EventBus, log zerolog.Logger) *hub.Hub {
	h := hub.New(cfg.Events.SSEBuffer, log)
	runInBackground(lc, h.Run)
	bus.Subscribe(h.Events())
	return h
}

func newDetector(cfg *config.Config, log zerolog.Logger) *adapter.Detector {
	return adapter.NewDetector(cfg.DetectorConfig(), log)
}

func newFactory(lc fx.Lifecycle, registry *adapter.Registry, detector *adapter.Detector, cfg *config.Config, log zerolog.Logger) *adapter.Factory {
	f := adapter.NewFactory(registry, detector, cfg.AdapterOptions(log))
	lc.Append(fx.Hook{
		// adapters may hold SSH sessions or tunnels open
		OnStop: func(context.Context) error {
			if n := f.ClearCache(); n > 0 {
				log.Info().Int("adapters", n).Msg("released cached adapters")
			}
			return nil
		},
	})
	return f
}

func newEquipmentService(f *adapter.Factory, repo repository.Repository, bus *service.EventBus, cfg *config.Config, log zerolog.Logger) *service.EquipmentService {
	return service.NewEquipmentService(f, repo, bus, cfg.Equipment, log)
}

func newRouter(h *handler.EquipmentHandler, sse *hub.Hub, cfg *config.Config, log zerolog.Logger) http.Handler {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	return handler.NewRouter(h, sse, log)
}

// --- invokers ---

func invokeKafkaSink(lc fx.Lifecycle, cfg *config.Config, bus *service.EventBus, log zerolog.Logger) {
	if !cfg.Events.Kafka.Enabled() {
		return
	}
	sink := service.NewKafkaSink(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, log)
	bus.Subscribe(sink.Events())
	runInBackground(lc, sink.Run)
	log.Info().Strs("brokers", cfg.Events.Kafka.Brokers).Str("topic", cfg.Events.Kafka.Topic).Msg("kafka sink enabled")
}

func invokeNATSSink(lc fx.Lifecycle, cfg *config.Config, bus *service.EventBus, log zerolog.Logger) error {
	if !cfg.Events.NATS.Enabled() {
		return nil
	}
	sink, err := service.NewNATSSink(cfg.Events.NATS.URL, cfg.Events.NATS.Subject, log)
	if err != nil {
		return fmt.Errorf("nats sink: %w", err)
	}
	bus.Subscribe(sink.Events())
	runInBackground(lc, sink.Run)
	log.Info().Str("url", cfg.Events.NATS.URL).Str("subject", cfg.Events.NATS.Subject).Msg("nats sink enabled")
	return nil
}

func invokeLedgerPruner(lc fx.Lifecycle, p Params, svc *service.EquipmentService) {
	if p.LedgerRetention <= 0 {
		return
	}
	runInBackground(lc, func(ctx context.Context) {
		svc.PruneLedger(ctx, ledgerPruneInterval, p.LedgerRetention)
	})
}

// invokeConfigWatcher re-applies the equipment list when the config file
// changes so rotated credentials take effect on the next request
func invokeConfigWatcher(lc fx.Lifecycle, path ConfigPath, svc *service.EquipmentService, log zerolog.Logger) {
	if path == "" {
		return
	}
	w := watcher.New(string(path), func() {
		next, _, err := config.LoadFromPath(string(path))
		if err != nil {
			log.Warn().Err(err).Msg("config reload rejected, keeping current equipment")
			return
		}
		changed := svc.ApplyStaticEquipment(next.Equipment)
		log.Info().Int("changed", len(changed)).Msg("config reloaded")
	}, log)
	runInBackground(lc, func(ctx context.Context) {
		if err := w.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("config watcher stopped")
		}
	})
}

func invokeHTTPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, h http.Handler, sse *hub.Hub, log zerolog.Logger) {
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     h,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	server.RegisterOnShutdown(sse.Close)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("server failed")
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("shutting down server")
			return server.Shutdown(ctx)
		},
	})
}

// runInBackground runs fn from start until stop and waits for it to return
func runInBackground(lc fx.Lifecycle, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
