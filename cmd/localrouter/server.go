package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/localrouter/gateway/pkg/config"
)

func serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage MCP backend servers",
	}
	var configPath string
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List configured servers",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tTRANSPORT\tAUTH")
			for _, s := range cfg.Servers {
				authType := "none"
				if s.Auth != nil {
					authType = s.Auth.Type
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", s.ID, s.Name, s.Enabled, s.Transport.Type, authType)
			}
			return w.Flush()
		},
	}

	setEnabled := func(enabled bool) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			path, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			for i := range cfg.Servers {
				if cfg.Servers[i].ID == args[0] {
					cfg.Servers[i].Enabled = enabled
					return config.Save(path, cfg)
				}
			}
			return fmt.Errorf("server %s not found", args[0])
		}
	}
	enable := &cobra.Command{Use: "enable <server-id>", Short: "Enable a server", Args: cobra.ExactArgs(1), RunE: setEnabled(true)}
	disable := &cobra.Command{Use: "disable <server-id>", Short: "Disable a server", Args: cobra.ExactArgs(1), RunE: setEnabled(false)}

	cmd.AddCommand(ls, enable, disable)
	return cmd
}
