package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KongYiji1994/BankCore1/internal/app"
)

var sweepSchedule bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile stuck payments",
	Long: `Re-publish work for requests stuck in PENDING and release holds left on
FAILED instructions.

Examples:
  bankcore sweep
  bankcore sweep --schedule`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepSchedule, "schedule", false, "keep running on SWEEP_SCHEDULE instead of sweeping once")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(envDir)
	if err != nil {
		return err
	}

	rt, err := bootstrap(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if !sweepSchedule {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		report, err := app.NewReconcileSweeper(rt.repo, rt.payments, cfg.SweepPendingAge()).RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("republished=%d holds_released=%d errors=%d\n", report.Republished, report.HoldsReleased, report.Errors)
		return nil
	}

	if cfg.SweepSchedule == "" {
		return fmt.Errorf("--schedule needs SWEEP_SCHEDULE")
	}
	if err := rt.startSweeper(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=sweeper msg=\"sweeper shutdown started\"")
	return nil
}
