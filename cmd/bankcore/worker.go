package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume payment work items from RabbitMQ",
	Long: `Run the payment worker pool without the HTTP API.

The worker needs RabbitMQ: the in-process queue only carries work published
by the same process, so a standalone worker on it would never receive any.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(envDir)
	if err != nil {
		return err
	}

	rt, err := bootstrap(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.queue != nil {
		return errors.New("worker requires a reachable RABBITMQ_URL")
	}
	brokerLost, err := rt.startWorkers()
	if err != nil {
		return err
	}
	log.Printf("level=info component=bootstrap msg=\"payment worker running\" queue=%s concurrency=%d", cfg.PaymentQueue, cfg.WorkerConcurrency)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("level=info component=bootstrap msg=\"worker shutdown started\"")
		return nil
	case err := <-brokerLost:
		return fmt.Errorf("rabbitmq connection lost: %w", err)
	}
}
