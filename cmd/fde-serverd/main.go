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

	"github.com/fruworg/fde/internal/audit"
	"github.com/fruworg/fde/internal/chunkstore"
	"github.com/fruworg/fde/internal/config"
	"github.com/fruworg/fde/internal/deploy"
	"github.com/fruworg/fde/internal/httpapi"
	"github.com/fruworg/fde/internal/observability"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "fde-serverd",
	Short: "fde server daemon",
	Long: `fde-serverd receives chunked file uploads and runs deploy commands on
behalf of the fde client, either directly (native mode) or via SSH into a
container's host (container mode).`,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fde server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(configPath, debug)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fde-server.yaml", "path to server config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", os.Getenv("FDE_DEBUG") != "", "dump the resolved config (including tokens) to the log at startup")
	rootCmd.AddCommand(startCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(path string, debug bool) error {
	cfg, err := config.LoadServer(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		observability.DumpConfig("server config", cfg)
	}

	store, err := chunkstore.NewManager(cfg.ChunkRoot)
	if err != nil {
		return fmt.Errorf("failed to initialize chunk store: %w", err)
	}

	auditLog, err := audit.Open(config.ResolveDataPath("fde-audit.db", cfg.PathCtx))
	if err != nil {
		log.Printf("[fde-serverd] audit log disabled: %v", err)
		auditLog = nil
	} else {
		defer auditLog.Close()
	}

	executor := deploy.NewExecutor(deploy.NewResolver())
	app := httpapi.New(cfg, store, executor, auditLog)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go chunkstore.RunSweeper(sweepCtx, store)

	app.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("[fde-serverd] shutting down...")
	cancelSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	log.Println("[fde-serverd] shutdown complete")
	return nil
}
