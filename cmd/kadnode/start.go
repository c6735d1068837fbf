package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/config"
	"github.com/WebFirstLanguage/kadnet/internal/logger"
	"github.com/WebFirstLanguage/kadnet/pkg/agent"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newStartCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		seeds      []string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a DHT node",
		Long: `Start a DHT node in the foreground. Settings come from the config file,
KADNET_ environment variables and the flags below, in increasing priority.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := startConfig(configPath, listen, seeds)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("control") {
				cfg.Control.Address, _ = cmd.Flags().GetString("control")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: search ., $HOME/.kadnet, /etc/kadnet)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "UDP listen address, host:port")
	cmd.Flags().StringSliceVarP(&seeds, "seed", "s", nil, "seed node address, host:port (repeatable)")
	return cmd
}

// startConfig loads the configuration and applies flag overrides
func startConfig(path, listen string, seeds []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Node.ListenAddress = listen
	}
	if len(seeds) > 0 {
		cfg.DHT.Seeds = seeds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run starts a supervised agent and blocks until ctx is done
func run(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	if cfg.General.Debug {
		logger.SetDebug(true)
	}

	a := agent.New(cfg)
	supervisor := agent.NewSupervisor(a)
	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	node := a.Node()
	fmt.Fprintf(out, "Node ID: %s\n", node.ID())
	fmt.Fprintf(out, "Listening on %s\n", node.Addr())
	if addr := a.ControlAddr(); addr != nil {
		fmt.Fprintf(out, "Control API on %s\n", addr)
	}
	fmt.Fprintln(out, "Node running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
	case <-supervisor.Done():
		fmt.Fprintln(out, "Node failed and could not be restarted")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := supervisor.Stop(stopCtx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Node stopped")
	return nil
}
