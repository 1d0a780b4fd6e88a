package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goldrun/internal/api"
	"goldrun/internal/auth"
	"goldrun/internal/config"
	"goldrun/internal/game"
	"goldrun/internal/push"
	"goldrun/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer()
	if err == nil {
		err = cfg.RequireSecret()
	}
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.Load(ctx)
	if err != nil {
		return err
	}
	rates, err := cfg.Sampler()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	// The hub authenticates through accounts, which is built after the engine.
	var accounts *game.Accounts
	hub := push.NewHub(func(token string) (int64, error) {
		return accounts.Authenticate(token)
	}, cfg.SocketsPerUser, logger)
	defer hub.Close()

	engine := game.NewEngine(cfg.EngineConfig(), snap, nil, st, hub, rates, logger)
	accounts = game.NewAccounts(engine, tokens, cfg.StartingGold, cfg.ScriptMaxLen, logger)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := engine.Dispose(disposeCtx); err != nil {
			logger.Warn("engine dispose", "err", err)
		}
	}()

	server := api.New(logger, accounts, engine, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("goldrun listening",
		"addr", cfg.Addr,
		"tick", snap.Tick,
		"participants", len(snap.Accounts),
		"tick_every", cfg.TickEvery.String(),
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info("goldrun shutdown")
	return nil
}
