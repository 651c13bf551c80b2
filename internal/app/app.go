// Package app provides the main application setup and dependency injection.
package app

import (
	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/hooks"
	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/proxy"
	"manifest-proxy-go/pkg/quality"
	"manifest-proxy-go/pkg/rewrite/dash"
	"manifest-proxy-go/pkg/rewrite/hls"
	"manifest-proxy-go/pkg/server"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/transport"
)

// App is the main application container.
type App struct {
	Cfg     *config.Config
	Log     *logging.Logger
	Server  *server.Server
	Handler *proxy.Handler
	Store   *session.Store
}

// New creates and initializes the application.
func New() (*App, error) {
	cfg := config.Load()

	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing manifest proxy", "port", cfg.Port, "log_level", cfg.LogLevel)

	rules := transport.LoadRules(cfg.DNSRewrites, log)
	client := transport.New(cfg, log)

	cb := newCallbackClient(log)

	var resolver interfaces.OpaqueResolver
	if cfg.ResolverURL != "" {
		resolver = &httpResolver{cb: cb, url: cfg.ResolverURL}
	}

	var chooser interfaces.QualityChooser = autoChooser{}
	if cfg.ChooserURL != "" {
		chooser = &httpChooser{cb: cb, url: cfg.ChooserURL}
	}

	var notifier interfaces.Notifier = noopNotifier{}
	if cfg.NotifyURL != "" {
		notifier = &httpNotifier{cb: cb, url: cfg.NotifyURL}
	}

	var drm interfaces.DRMInstaller
	if cfg.DRMURL != "" {
		drm = &httpDRMInstaller{cb: cb, url: cfg.DRMURL}
	}

	memory := quality.NewMemory(quality.DefaultMemorySize)
	selector := quality.NewSelector(chooser, memory, log)

	store := session.NewStore()
	handler := proxy.NewHandler(cfg, log, proxy.Deps{
		Store:    store,
		Client:   client,
		HLS:      hls.NewRewriter(selector, log),
		DASH:     dash.NewRewriter(selector, log),
		Hooks:    hooks.NewRunner(nil, log),
		Resolver: resolver,
		Notifier: notifier,
		DRM:      drm,
		Rules:    rules,
	})

	srv := server.New(cfg, log)
	if err := srv.Listen(); err != nil {
		return nil, err
	}

	handler.SetBaseURL(cfg.BaseURL(srv.Port()))
	handler.Register(srv.Router())

	return &App{
		Cfg:     cfg,
		Log:     log,
		Server:  srv,
		Handler: handler,
		Store:   store,
	}, nil
}

// Run starts the application.
func (a *App) Run() error {
	a.Log.Info("starting manifest proxy", "base_url", a.Cfg.BaseURL(a.Server.Port()))
	return a.Server.Start()
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() {
	a.Log.Info("shutting down application")
}
