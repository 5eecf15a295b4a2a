package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"

	oauth "github.com/streamplace/atproto-oauth-core"
	"github.com/streamplace/atproto-oauth-core/dpop"
	"github.com/streamplace/atproto-oauth-core/identity"
	"github.com/streamplace/atproto-oauth-core/internal/config"
	"github.com/streamplace/atproto-oauth-core/internal/helpers"
	"github.com/streamplace/atproto-oauth-core/tokencrypt"
	"github.com/streamplace/atproto-oauth-core/tokens"
)

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		slog.Error("could not load .env", "err", err)
	}

	app := &cli.App{
		Name:   "atproto-oauth-web-demo",
		Usage:  "demo host for the atproto oauth client",
		Flags:  config.ServerFlags(),
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	cfg, err := config.FromCLI(cctx)
	if err != nil {
		return err
	}

	db, err := cfg.OpenDatabase(ctx, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	enc, err := tokencrypt.New(cfg.KeyRing)
	if err != nil {
		return err
	}

	h := helpers.NewHTTPClient(helpers.DefaultHTTPTimeout)

	resolver := identity.NewResolver(identity.Config{
		HTTPClient: h,
		PLCURL:     cfg.PLCURL,
		CacheTTL:   cfg.IdentityCacheTTL,
		Logger:     logger,
	})

	proofs := dpop.NewService(db.Keys, logger)

	client, err := oauth.NewClient(oauth.ClientArgs{
		Resolver:    resolver,
		Proofs:      proofs,
		ClientId:    cfg.ClientID(),
		RedirectUri: cfg.RedirectURI(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	manager := tokens.NewManager(db.Tokens, enc, client, tokens.Options{
		RefreshBuffer: cfg.RefreshBuffer,
		Logger:        logger,
	})

	s, err := NewServer(ServerArgs{
		DB:          db.SQLite.DB(),
		Attempts:    db.SQLite,
		OAuth:       client,
		Tokens:      manager,
		Proofs:      proofs,
		ClientId:    cfg.ClientID(),
		RedirectUri: cfg.RedirectURI(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	jkt, err := proofs.JWKThumbprint(ctx)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cfg.SessionSecret))))
	s.Routes(e)

	httpd := http.Server{
		Addr:    cfg.ListenAddr,
		Handler: e,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpd.Shutdown(shutdownCtx)
	}()

	logger.Info("starting http server", "addr", cfg.ListenAddr, "client_id", cfg.ClientID(), "jkt", jkt)

	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
