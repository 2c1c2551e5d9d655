package main

import (
	"github.com/spf13/cobra"

	"github.com/localrouter/gateway/pkg/gateway"
)

func gatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway",
	}

	var opts gateway.Options
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return gateway.Run(cmd.Context(), opts)
		},
	}
	run.Flags().IntVar(&opts.Port, "port", 11435, "Port to listen on (loopback only)")
	run.Flags().StringVar(&opts.Transport, "transport", "http", "External transport: http or stdio")
	run.Flags().StringVar(&opts.StdioClient, "client", "", "Client id to serve when --transport stdio")
	run.Flags().StringVar(&opts.ConfigPath, "config", "", "Path to config.yaml (default: platform config dir)")
	run.Flags().BoolVar(&opts.Verbose, "verbose", false, "Enable debug logging")
	run.Flags().StringVar(&opts.LogFilePath, "log-file", "", "Also append process logs to this file")
	run.Flags().IntVar(&opts.RetentionDays, "retention-days", 30, "Days to keep access logs and usage records")

	cmd.AddCommand(run)
	return cmd
}
