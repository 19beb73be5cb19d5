package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein-stream/pkg/simulator"
	"github.com/skeinworks/skein-stream/pkg/version"
)

func newSimulateCmd(configPath *string) *cobra.Command {
	var (
		addr         string
		scenarioPath string
		watchFile    bool
		soak         bool
		soakRate     float64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the scripted studio backend",
		Long: `Serve the agent-event stream endpoint locally, playing a scenario script
(or the built-in demo) per session. --soak replaces the script with endless
generated traffic; --watch hot-reloads the scenario file on edit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := cfg.Logger()
			if err != nil {
				return err
			}

			scn := simulator.Default()
			if scenarioPath != "" {
				if scn, err = simulator.LoadScenario(scenarioPath); err != nil {
					return err
				}
			}

			opts := []simulator.Option{simulator.WithLogger(log)}
			if soak {
				opts = append(opts, simulator.WithGenerator(simulator.NewGenerator(soakRate)))
			}
			srv := simulator.NewServer(scn, opts...)

			if watchFile {
				if scenarioPath == "" {
					return errors.New("--watch requires --scenario")
				}
				watcher, err := simulator.NewScenarioWatcher(scenarioPath, log, srv.SwapScenario)
				if err != nil {
					return err
				}
				if err := watcher.Start(); err != nil {
					return err
				}
				defer watcher.Stop()
			}

			log.Info("starting simulator",
				"addr", addr,
				"scenario", scn.Name,
				"soak", soak,
				"version", version.Full())

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				log.Info("shutdown signal received", "signal", sig.String())
			case err := <-errCh:
				log.Error("simulator failed", "error", err)
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("shutdown error", "error", err)
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8214", "listen address")
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "scenario YAML file (default: built-in demo)")
	cmd.Flags().BoolVar(&watchFile, "watch", false, "hot-reload the scenario file on change")
	cmd.Flags().BoolVar(&soak, "soak", false, "serve generated soak traffic instead of a scenario")
	cmd.Flags().Float64Var(&soakRate, "rate", simulator.DefaultSoakRate, "soak events per second")
	return cmd
}
