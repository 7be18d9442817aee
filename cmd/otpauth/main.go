package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/otpauth/internal/auth"
	"github.com/knadh/otpauth/internal/store"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, auth etc.) to be injected into the HTTP handlers.
type App struct {
	auth      *auth.Auth
	store     store.Store
	validate  *validator.Validate
	lo        logf.Logger
	constants constants
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	lo := initLogger(false)
	initConfig(lo)
	if ko.String("app.log_level") == "debug" {
		lo = initLogger(true)
	}

	fs, err := initFS(os.Args[0])
	if err != nil {
		lo.Fatal("error initializing filesystem", "error", err)
	}

	if ko.Bool("new-config") {
		if err := newConfigFile(fs, "config.toml"); err != nil {
			lo.Fatal("error generating config", "error", err)
		}
		lo.Info("generated config.toml. Edit it and run the app.")
		return
	}

	kv, closeStore := initStore(lo)
	defer closeStore()

	prov, err := initProvider()
	if err != nil {
		lo.Fatal("error initializing provider", "error", err)
	}
	lo.Info("loaded delivery provider", "provider", prov.ID(), "channel", prov.ChannelName())

	tpl, err := initTemplates(fs)
	if err != nil {
		lo.Fatal("error loading templates", "error", err)
	}

	a, err := initAuth(kv, prov, tpl, lo)
	if err != nil {
		lo.Fatal("error initializing auth", "error", err)
	}

	app := &App{
		auth:     a,
		store:    kv,
		validate: initValidator(),
		lo:       lo,
		constants: constants{
			AppName:     ko.String("app.name"),
			MaxAttempts: a.MaxAttempts(),
		},
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initHTTP(app, ko.Strings("app.cors_origins")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		lo.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	<-ctx.Done()
	lo.Info("shutting down")

	sCtx, cancel := context.WithTimeout(context.Background(), timeout*2)
	defer cancel()
	if err := srv.Shutdown(sCtx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}

	if c, ok := prov.(interface{ Close() }); ok {
		c.Close()
	}
}

// initHTTP registers the HTTP handlers.
func initHTTP(app *App, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(app.constants.AppName))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/validate", wrap(app, handleValidate))
	r.Post("/api/verify", wrap(app, handleVerify))
	r.Get("/api/token", wrap(app, handleToken))

	return r
}
