// Command llmrouter starts the load-balancing and fault-tolerance facade
// (C6) as a long-running process: load configuration, construct the
// system, and run the periodic health sweep until an interrupt arrives. No
// providers are registered here.
//
// Grounded on the teacher's cmd/codeforge/cmd/root.go signal-handling
// pattern (os/signal channel, graceful shutdown goroutine) and its
// cobra.Command root-command shape.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/llmrouter/internal/config"
	"github.com/entrepeneur4lyf/llmrouter/internal/system"
)

var debug bool

func main() {
	root := &cobra.Command{
		Use:   "llmrouter",
		Short: "LLM provider load-balancing and fault-tolerance router",
		RunE:  run,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr)
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sys := system.New(cfg, nil, logger)
	if err := sys.Start(); err != nil {
		return fmt.Errorf("start failover sweep: %w", err)
	}

	logger.Info("llmrouter started", "health_check_interval", cfg.Failover.HealthCheckInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down gracefully")
	sys.Stop()
	return nil
}
