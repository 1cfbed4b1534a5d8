package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wasmfuel/wasmfuel/internal/version"
)

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Displays the version of wasmfuel",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(opts.stdOut, version.GetVersion())
		},
	}
}
