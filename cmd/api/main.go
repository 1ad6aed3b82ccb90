package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatstream/internal/config"
	"github.com/zhouzirui/z-tavern/chatstream/internal/handler"
	"github.com/zhouzirui/z-tavern/chatstream/internal/logging"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.LoadFile(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file loaded, using system environment only")
	}

	router := handler.NewRouter(newResponder(ctx, cfg))

	startServer(ctx, cfg.Server, router)
}

func newResponder(ctx context.Context, cfg *config.Config) ai.Responder {
	if !cfg.AI.Enabled() {
		log.Warn().Msg("ark credentials not configured, answering with the echo responder")
		return ai.EchoResponder{Prefix: "echo: ", Delay: 50 * time.Millisecond}
	}

	svc, err := ai.NewService(ctx, cfg.AI, cfg.Client.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize AI service, answering with the echo responder")
		return ai.EchoResponder{Prefix: "echo: "}
	}

	log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized")
	return svc
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("chat server listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
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
