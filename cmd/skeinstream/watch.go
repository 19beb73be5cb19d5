package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein-stream/pkg/config"
	"github.com/skeinworks/skein-stream/pkg/dashboard"
	"github.com/skeinworks/skein-stream/pkg/recorder"
	"github.com/skeinworks/skein-stream/pkg/stream"
)

func newWatchCmd(configPath *string) *cobra.Command {
	var (
		serverURL  string
		sessionID  string
		plain      bool
		recordPath string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a live analysis session",
		Long: `Connect to a session's agent-event stream and show per-agent progress.

The default view is an interactive dashboard; --plain logs one line per
event instead and prints the final agent state on exit. --record tees every
received event to a JSONL file that "skeinstream replay" can fold later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Server.URL = serverURL
			}
			if sessionID == "" {
				sessionID = cfg.SessionID
			}

			var rec *recorder.Writer
			if recordPath != "" {
				rec, err = recorder.NewWriter(recordPath)
				if err != nil {
					return err
				}
				defer func() {
					if err := rec.Close(); err != nil {
						fmt.Fprintln(os.Stderr, "close recording:", err)
					}
				}()
			}

			if plain {
				log, err := cfg.Logger()
				if err != nil {
					return err
				}
				return runPlainWatch(cfg, sessionID, rec, log)
			}
			return runWatchTUI(cfg, sessionID, rec)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "studio base URL (overrides config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default $"+config.EnvSessionID+")")
	cmd.Flags().BoolVar(&plain, "plain", false, "log events instead of the interactive dashboard")
	cmd.Flags().StringVar(&recordPath, "record", "", "tee received events to a JSONL recording")
	return cmd
}

// runPlainWatch folds the stream into a model while logging each event, and
// prints the final agent table when interrupted or terminally failed.
func runPlainWatch(cfg *config.Config, sessionID string, rec *recorder.Writer, log *slog.Logger) error {
	var mu sync.Mutex
	model := dashboard.NewModel()
	failed := make(chan struct{}, 1)

	scfg := cfg.ClientConfig(sessionID)
	scfg.DisableAutoConnect = true
	scfg.Logger = log
	scfg.OnEvent = func(e stream.Event) {
		mu.Lock()
		model.Apply(e)
		mu.Unlock()
		if rec != nil {
			if err := rec.Record(e); err != nil {
				log.Error("record event", "error", err)
			}
		}
		log.Info("event",
			"agent", e.Agent,
			"status", e.Status,
			"id", e.ID)
	}
	scfg.OnError = func(err error) {
		log.Error("stream error", "error", err)
	}
	scfg.OnStateChange = func(s stream.ConnectionState) {
		log.Info("connection state", "state", s.String())
		if s == stream.StateFailed {
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	}

	client := stream.New(scfg)
	defer client.Disconnect()
	if err := client.Connect(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var terminal bool
	select {
	case <-sigCh:
	case <-failed:
		terminal = true
	}
	client.Disconnect()

	mu.Lock()
	fmt.Println(renderAgentTable(model))
	mu.Unlock()
	fmt.Printf("events: %d  dropped: %d\n", len(client.Events()), client.Dropped())

	if terminal {
		return client.Err()
	}
	return nil
}
