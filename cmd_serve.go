package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"bollipi/internal/api"
	"bollipi/internal/auth"
	"bollipi/internal/models"
	"bollipi/internal/service/account"
	"bollipi/internal/service/ai"
	"bollipi/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and voice API",
		Long: `Start the HTTP API and the per-session voice websocket.

A Gemini API key is required, either in the providers.gemini block of the
config file or in GEMINI_API_KEY.`,
		Args: cobra.NoArgs,
		RunE: serveE,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides basic_config.server_address)")
	return cmd
}

func serveE(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	basic := a.cfg.BasicConfig
	log.Printf("database driver: %s", basic.DatabaseDriver)

	aiService, err := ai.NewService(ctx, a.cfg.Gemini())
	if err != nil {
		return fmt.Errorf("init ai service: %w", err)
	}
	lang, err := models.ParseLanguage(basic.DefaultLanguage)
	if err != nil {
		return fmt.Errorf("default language: %w", err)
	}

	sessions := worker.NewManager(aiService, a.rdb, worker.Config{
		Language:    lang,
		MaxRetries:  basic.MaxRetries,
		IdleTimeout: time.Duration(basic.SessionIdleTimeout) * time.Minute,
		Workers:     basic.Workers,
	})
	defer sessions.Shutdown()

	driver := basic.DatabaseDriver
	authService := auth.NewService(a.db, driver, a.rdb, time.Duration(basic.TokenTTL)*time.Hour)
	handlers := api.NewHandler(account.NewService(a.db, driver), authService, sessions, a.store())

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := serveAddr
	if addr == "" {
		addr = basic.ServerAddress
	}
	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
