package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein-stream/pkg/dashboard"
	"github.com/skeinworks/skein-stream/pkg/recorder"
)

func newReplayCmd() *cobra.Command {
	var (
		file   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Fold a recorded session and print the final agent state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := recorder.ReadFile(file)
			if err != nil {
				return err
			}

			model := dashboard.NewModel()
			for _, e := range events {
				model.Apply(e)
			}

			if asJSON {
				out, err := json.MarshalIndent(model.Agents(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Println(renderAgentTable(model))
			fmt.Printf("events: %d\n", model.EventsApplied())
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSONL recording to replay (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the final state as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
