package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osdp-go/osdp"
	"github.com/osdp-go/osdp/config"
	"github.com/osdp-go/osdp/cpapp"
	"github.com/osdp-go/osdp/output"
)

var statusInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the engine from --config and print live PD status",
	Long: `monitor loads a YAML config, builds a Context from it, and ticks
the engine until interrupted (Ctrl-C), printing a per-PD status table
(or one JSON object per PD, with --json) on each status interval.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().DurationVar(&statusInterval, "status-interval", 2*time.Second,
		"How often to print the status table")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logger *log.Logger
	if verbose {
		logger = log.New(os.Stderr, "osdp: ", log.LstdFlags)
	}

	lastEvent := map[int]string{}
	ctxt, err := osdp.Setup(cfg, logger)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	for _, a := range ctxt.Apps() {
		offset := a.Offset
		a.Events = func(e cpapp.Event) {
			lastEvent[offset] = e.Kind.String()
			if logger != nil {
				logger.Printf("pd[%d]: %s", e.Offset, e.Kind)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			if err := ctxt.Refresh(runCtx); err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("refresh: %w", err)
			}
		case <-statusTicker.C:
			rows := output.SnapshotApps(ctxt.Apps(), lastEvent)
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				for _, r := range rows {
					_ = enc.Encode(r)
				}
			} else {
				output.PrintStatusTable(rows)
			}
		}
	}
}
