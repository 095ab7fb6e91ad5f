package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "replogd",
		Short:        "Replicated log participant",
		SilenceUsage: true,
		Long: `replogd hosts the participants of one or more replicated logs.

Leadership is static: every log names its leader, followers and write concern in the
configuration file. The leader replicates inserted entries to its followers over gRPC and
commits them once the write concern is met.`,
	}
	root.AddCommand(newServeCommand(), newDemoCommand())
	return root
}
