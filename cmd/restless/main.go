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

	"github.com/diwise/restless/internal/pkg/application/config"
	"github.com/diwise/restless/internal/pkg/application/notifications"
	"github.com/diwise/restless/internal/pkg/infrastructure/router"
	"github.com/diwise/restless/internal/pkg/presentation/api/auth"
	"github.com/diwise/restless/pkg/restless"
	"github.com/diwise/restless/pkg/storage"
	"github.com/diwise/restless/pkg/storage/database"
	"github.com/diwise/restless/pkg/storage/memory"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi/v5/middleware"
)

const serviceName string = "restless"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, defaultFlags()[logFormat])
	defer cleanup()

	flags := parseExternalConfig(ctx, defaultFlags())

	appConfig, err := openConfigFiles(flags)
	if err != nil {
		logger.Error("failed to open configuration files", "err", err.Error())
		os.Exit(1)
	}

	app, err := initialize(ctx, logger, flags, appConfig)
	appConfig.Close()
	if err != nil {
		logger.Error("failed to initialize service", "err", err.Error())
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = app.Run(ctx, net.JoinHostPort(flags[listenAddress], flags[servicePort])); err != nil {
		logger.Error("failed to listen for connections", "err", err.Error())
		os.Exit(1)
	}
}

type App struct {
	handler  http.Handler
	session  storage.Session
	notifier notifications.Notifier
	logger   *slog.Logger
}

func initialize(ctx context.Context, logger *slog.Logger, flags FlagMap, appConfig *AppConfig) (*App, error) {
	cfg, err := config.LoadConfiguration(appConfig.modelConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema registry: %w", err)
	}

	app := &App{logger: logger}

	if cfg.Storage.Driver == "memory" {
		app.session = memory.NewSession(registry)
	} else {
		db, err := database.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, registry)
		if err != nil {
			return nil, err
		}

		if err = db.CreateTables(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}

		app.session = db
	}

	var authenticator auth.Authenticator
	if appConfig.policies != nil {
		authenticator, err = auth.NewAuthenticator(ctx, appConfig.policies)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to create api authenticator: %w", err)
		}
	}

	if flags[notifierEndpoint] != "" {
		app.notifier, err = notifications.NewNotifier(ctx, flags[notifierEndpoint])
		if err == nil {
			err = app.notifier.Start()
		}
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start notifier: %w", err)
		}
	}

	backlog, err := strconv.Atoi(flags[writeBacklog])
	if err != nil || backlog < 0 {
		app.Close()
		return nil, fmt.Errorf("invalid write backlog %q", flags[writeBacklog])
	}

	r := router.New(serviceName, logger)

	m := restless.NewManager(ctx, r, registry, app.session, restless.WithURLPrefix(cfg.URLPrefix))

	// all collections share one unit-of-work, so requests are let through one at a time
	throttle := middleware.ThrottleBacklog(1, backlog, 30*time.Second)

	err = cfg.RegisterCollections(ctx, m, func(c config.CollectionConfig) []restless.APIOption {
		options := []restless.APIOption{
			restless.WithMiddleware(throttle),
		}

		if authenticator != nil {
			options = append(options, restless.WithMiddleware(authenticator.Middleware(c.CollectionName())))
		}

		if c.Notify && app.notifier != nil {
			options = append(options, restless.WithPostprocessors(http.MethodPost, app.notifier.Postprocessor(c.CollectionName())))
		}

		return options
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.handler = r

	return app, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves requests on address until ctx is cancelled
func (a *App) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:    address,
		Handler: a.handler,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("starting to listen for connections", "address", address)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func (a *App) Close() {
	if a.notifier != nil {
		a.notifier.Stop()
	}

	if closer, ok := a.session.(interface{ Close() error }); ok {
		closer.Close()
	}
}
