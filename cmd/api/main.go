package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/avatar-chat/backend/internal/config"
	"github.com/zhouzirui/avatar-chat/backend/internal/handler"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	avatars, err := loadAvatars(cfg.Avatars)
	if err != nil {
		log.Fatalf("failed to load avatars: %v", err)
	}

	deps, cleanup, err := buildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize backends: %v", err)
	}
	defer cleanup()
	deps.Avatars = avatars

	engine, err := chat.NewEngine(deps, chat.Config{
		FreeMessageLimit: cfg.Chat.FreeMessageLimit,
		DelayThreshold:   cfg.Chat.DelayThreshold,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		BlockedTerms:     cfg.Chat.BlockedTerms,
	})
	if err != nil {
		log.Fatalf("failed to build chat engine: %v", err)
	}

	router := handler.NewRouter(avatars, engine, cfg.Auth.JWTSecret)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Avatar chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
