package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KongYiji1994/BankCore1/internal/api"
)

var (
	serveWorkers bool
	serveSweeper bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the BankCore HTTP API.

Without RabbitMQ the process always runs its own payment workers on the
in-process queue, since nothing else could consume the work items.

Examples:
  bankcore serve
  bankcore serve --workers=false --sweeper=false`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "consume payment work items in this process")
	serveCmd.Flags().BoolVar(&serveSweeper, "sweeper", true, "run the reconcile sweeper in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(envDir)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; /internal routes are open\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"jwt secret not configured; public routes are unauthenticated\" env=JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting bankcore\" port=%s", cfg.ServerPort)

	rt, err := bootstrap(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	var brokerLost <-chan error
	if serveWorkers || rt.queue != nil {
		if brokerLost, err = rt.startWorkers(); err != nil {
			return err
		}
	}
	if serveSweeper {
		if err := rt.startSweeper(); err != nil {
			return err
		}
	}

	router := api.NewRouter(api.NewHandlers(rt.payments, rt.accounts), api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		CORSOrigins:    cfg.CORSOrigins(),
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
	case err := <-serverErr:
		runErr = fmt.Errorf("server stopped unexpectedly: %w", err)
	case err := <-brokerLost:
		runErr = fmt.Errorf("rabbitmq connection lost: %w", err)
	}
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
	return runErr
}
