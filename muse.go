// Package muse is the top-level entry point for the Muse dashboard.
//
// Use the Builder to compose an application:
//
//	app, err := muse.NewBuilder().Build()
//	app.Start(ctx)
//
// Or customize components:
//
//	app, err := muse.NewBuilder().
//	    WithConfig(cfg).
//	    WithHistory(redisHistory).
//	    WithNotifier(myNotifier).
//	    Build()
package muse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/auth"
	"github.com/jxucoder/muse/eventbus"
	"github.com/jxucoder/muse/httpapi"
	"github.com/jxucoder/muse/internal/config"
	"github.com/jxucoder/muse/notify"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/store"
	"github.com/jxucoder/muse/transport"
)

// Builder constructs a Muse App.
type Builder struct {
	config   *config.Config
	store    store.Store
	history  store.HistoryStore
	notifier notify.Notifier
	logger   *zap.Logger
	client   *http.Client

	closers []io.Closer
}

// NewBuilder creates a new Builder. Components left unset are filled in
// from the configuration by Build.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the session and task store.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithHistory sets the conversation history backend.
func (b *Builder) WithHistory(h store.HistoryStore) *Builder {
	b.history = h
	return b
}

// WithNotifier sets where finished tasks are announced.
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithHTTPClient overrides the client used for backend requests.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.client = c
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		closeAll(b.closers)
		return nil, err
	}
	cfg := b.config

	token := cfg.API.Token
	if stored, err := cfg.StoredToken(); err != nil {
		b.logger.Warn("reading stored token", zap.Error(err))
	} else if stored != "" {
		token = stored
	}
	authCtx := auth.New(cfg.API.URL,
		auth.WithToken(token),
		auth.WithHTTPClient(b.client),
		auth.WithLogger(b.logger.Named("auth")),
	)

	opts := []transport.FactoryOption{
		transport.WithAuthorizer(authCtx),
		transport.WithHTTPClient(b.client),
		transport.WithLogger(b.logger.Named("transport")),
	}
	for name, url := range cfg.API.Engines {
		opts = append(opts, transport.WithEngineURL(name, url))
	}
	factory := transport.NewFactory(cfg.API.URL, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	deps := &panel.Deps{
		Factory:       factory,
		Bus:           eventbus.New(),
		Store:         b.store,
		History:       b.history,
		Notifier:      b.notifier,
		Tasks:         panel.NewTasks(),
		Logger:        b.logger,
		HistoryCap:    cfg.Session.HistoryCap,
		StreamTimeout: cfg.StreamTimeout(),
		TaskTimeout:   cfg.TaskTimeout(),
		ArtifactDir:   cfg.ArtifactDir(),
		Context:       ctx,
	}

	app := &App{
		config:  cfg,
		logger:  b.logger,
		auth:    authCtx,
		deps:    deps,
		engines: panel.NewEngineMonitor(deps),
		lora:    panel.NewLoRALibrary(deps),
		closers: b.closers,
		cancel:  cancel,
	}
	app.handler = httpapi.New(httpapi.Config{
		Deps:      deps,
		Auth:      authCtx,
		Engines:   app.engines,
		LoRA:      app.lora,
		SaveToken: cfg.SaveToken,
	})

	authCtx.OnChange(func(authenticated bool) {
		app.logger.Info("authentication changed", zap.Bool("authenticated", authenticated))
		if !authenticated {
			if err := cfg.SaveToken(""); err != nil {
				app.logger.Warn("clearing stored token", zap.Error(err))
			}
		}
	})

	return app, nil
}

// App is an assembled Muse application.
type App struct {
	config  *config.Config
	logger  *zap.Logger
	auth    *auth.Context
	deps    *panel.Deps
	engines *panel.EngineMonitor
	lora    *panel.LoRALibrary
	handler *httpapi.Handler
	closers []io.Closer
	cancel  context.CancelFunc
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.config }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Auth returns the shared authentication state.
func (a *App) Auth() *auth.Context { return a.auth }

// Deps returns the collaborators shared by every panel.
func (a *App) Deps() *panel.Deps { return a.deps }

// Engines returns the engine status monitor.
func (a *App) Engines() *panel.EngineMonitor { return a.engines }

// LoRA returns the LoRA library panel.
func (a *App) LoRA() *panel.LoRALibrary { return a.lora }

// Handler returns the dashboard API handler.
func (a *App) Handler() *httpapi.Handler { return a.handler }

// Start serves the dashboard API and refreshes engine status until ctx is
// done, then releases every resource.
func (a *App) Start(ctx context.Context) error {
	defer a.Close()

	if a.auth.IsAuthenticated() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.auth.Revalidate(rctx); err != nil {
			a.logger.Warn("stored credentials not accepted", zap.Error(err))
		}
		cancel()
	}

	a.engines.Start(ctx, panel.EngineRefresh)
	defer a.engines.Stop()

	srv := &http.Server{
		Addr:              a.config.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("muse dashboard listening", zap.String("addr", a.config.Server.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving dashboard: %w", err)
	}
	return nil
}

// Close stops background jobs and releases the stores. It is safe to call
// more than once.
func (a *App) Close() error {
	a.cancel()
	a.handler.Close()
	err := closeAll(a.closers)
	a.closers = nil
	_ = a.logger.Sync()
	return err
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
