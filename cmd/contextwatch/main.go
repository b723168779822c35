package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contextwatch/contextwatch/internal/agent"
	"github.com/contextwatch/contextwatch/internal/config"
	"github.com/contextwatch/contextwatch/internal/rollout"
	"github.com/contextwatch/contextwatch/internal/stream"
	"github.com/contextwatch/contextwatch/internal/watch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		sourcePath string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   "contextwatch",
		Short: "Tail agent session logs and track context-window consumption",
		Long: `contextwatch tails an append-only agent session log, reconstructs the
live agent tree with per-agent context usage, and prints one status line
whenever the reconstructed state changes.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if sourcePath != "" {
				cfg.Source.Path = sourcePath
			}
			if mode != "" {
				cfg.Source.Mode = mode
			}
			if cfg.Source.Path == "" {
				return fmt.Errorf("no source path configured (set source.path or --path)")
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&sourcePath, "path", "", "log file to tail (overrides config)")
	cmd.Flags().StringVar(&mode, "mode", "", "log schema: simple or rollout (overrides config)")
	return cmd
}

func run(cfg *config.Config) error {
	th := cfg.AgentThresholds()

	var consumer watch.Consumer
	switch cfg.Source.Mode {
	case "", "simple":
		st := stream.NewState(th)
		st.SetCaps(cfg.Limits.MaxDedupKeys, cfg.Limits.MaxSessions)
		consumer = st
	case "rollout":
		rc := rollout.NewReconstructor(th)
		rc.SetMaxFiles(cfg.Limits.MaxTrackedFiles)
		consumer = rc
	default:
		return fmt.Errorf("unknown source mode %q", cfg.Source.Mode)
	}

	w := watch.New(watch.Options{
		Pattern:           cfg.Source.Path,
		PollInterval:      cfg.Monitor.PollInterval,
		MinPollInterval:   cfg.Monitor.MinPollInterval,
		MaxPollInterval:   cfg.Monitor.MaxPollInterval,
		Debounce:          cfg.Monitor.Debounce,
		MaxChunkBytes:     cfg.Limits.MaxChunkBytes,
		ProcessMatchNames: cfg.Process.MatchNames,
	}, consumer, printStatus)

	w.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	w.Stop()

	log.Printf("Skipped %d malformed lines total", w.MalformedLineCount())
	return nil
}

// printStatus is the thin sink: one line per state change.
func printStatus(s *agent.Session) {
	if s == nil {
		fmt.Println("session: (waiting for data)")
		return
	}
	sum := s.Summary
	fmt.Printf("session %s [%s] agents=%d hottest=%s (%.1f%%) warning=%d critical=%d\n",
		s.ID, s.Status, sum.AgentCount, sum.HottestAgentID, sum.HottestPercent,
		sum.WarningCount, sum.CriticalCount)
}
