package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticerun/forge/pkg/api"
	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/engine"
	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/log"
	"github.com/latticerun/forge/pkg/overseer"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/storage"
	"github.com/latticerun/forge/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - a multi-tenant plugin execution core",
	Long: `forge runs the engine/overseer/slave subsystem that schedules
and executes plugin work on behalf of callers: an engine dispatches
requests to a pool of slaves per target, each slave pairs with an
overseer owning one plugin instance and its schedulers.

This binary is a harness for exercising that core locally, not a
product CLI: configuration file parsing and a full CLI front-end are
out of scope (see spec.md Non-goals).`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"forge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a demo target end to end",
	Long: `run wires an in-memory demo plugin into one engine, schedules
an automatic fetch, requests a one-shot fetch, and serves the admin
HTTP API so the wiring can be inspected with curl while it runs.`,
	RunE: runDemo,
}

func init() {
	runCmd.Flags().String("target", "demo", "name of the demo target to instantiate")
	runCmd.Flags().Bool("manual", false, "advertise the MANUAL capability on the demo plugin")
	runCmd.Flags().Duration("pace", 2*time.Second, "demo plugin's self-paced reschedule interval (manual only)")
	runCmd.Flags().String("addr", "127.0.0.1:8080", "admin HTTP API address")
	runCmd.Flags().String("config", "", "optional YAML config file (defaults used if empty)")
	runCmd.Flags().String("data-dir", ".", "directory the demo's blob store writes into")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	targetName, _ := cmd.Flags().GetString("target")
	manual, _ := cmd.Flags().GetBool("manual")
	pace, _ := cmd.Flags().GetDuration("pace")
	addr, _ := cmd.Flags().GetString("addr")
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	target := types.Target(targetName)
	instance := plugin.NewDemo(targetName, manual, pace)
	registry := plugin.NewRegistry(map[types.Target]plugin.Instance{target: instance})

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	pub, err := events.Dial(cfg.EventBusURL)
	if err != nil {
		log.Errorf("could not reach event bus, publishing is a no-op", err)
		pub = events.NoopPublisher{}
	}
	defer pub.Close()

	eng := engine.New(target, registry, store, pub, cfg)
	eng.Run()

	fmt.Printf("engine running for target %q (manual=%v)\n", targetName, manual)

	callerToken := types.NewCallerToken()
	key, _, err := eng.Schedule("", overseer.RequestAuto, callerToken, map[string]string{"interval": "1000"}, true)
	if err != nil {
		return fmt.Errorf("schedule auto fetch: %w", err)
	}
	fmt.Printf("scheduled automatic fetch: key=%s\n", key)

	_, dict, err := eng.Schedule("", overseer.RequestOnce, callerToken, nil, true)
	if err != nil {
		fmt.Printf("one-shot fetch failed: %v\n", err)
	} else {
		fmt.Printf("one-shot fetch result: %d field(s)\n", len(dict))
	}

	srv := api.NewServer(map[types.Target]*engine.Engine{target: eng}, store, pub)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("admin API listening on %s (try GET /health, /ready, /metrics)\n", addr)
	fmt.Println("press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nadmin API error: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	eng.Drain()

	fmt.Println("shutdown complete")
	return nil
}

