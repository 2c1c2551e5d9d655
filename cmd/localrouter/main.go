package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localrouter/gateway/pkg/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:          "localrouter",
		Short:        "Local API gateway for MCP servers and LLM providers",
		SilenceUsage: true,
	}

	root.AddCommand(
		gatewayCommand(),
		clientCommand(),
		serverCommand(),
		secretCommand(),
		oauthCommand(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		log.Logf("! %v", err)
		os.Exit(1)
	}
}
