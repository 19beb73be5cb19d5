package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinworks/skein-stream/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the skeinstream version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
