package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kk-code-lab/docsync/internal/app"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if !ec.Quiet() {
				fmt.Fprintln(os.Stderr, ec.Error())
			}
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docsync",
		Short:         "Document replication server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       app.Version,
	}
	cmd.SetVersionTemplate("docsync {{.Version}} (commit " + app.BuildCommit + ")\n")
	cmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newOpsCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docsync %s (commit %s)\n", app.Version, app.BuildCommit)
		},
	}
}
