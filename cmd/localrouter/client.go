package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/localrouter/gateway/pkg/auth"
	"github.com/localrouter/gateway/pkg/config"
)

// loadConfig resolves the config path (respecting the --config override
// shared by the admin subcommands) and loads it.
func loadConfig(path string) (string, *config.Config, error) {
	if path == "" {
		var err error
		path, err = config.ConfigPath()
		if err != nil {
			return "", nil, err
		}
	}
	cfg, err := config.Load(path)
	return path, cfg, err
}

func clientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage external clients",
	}
	var configPath string
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List configured clients",
		RunE: func(_ *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tMCP ACCESS\tDEFERRED\tSTRATEGY")
			for _, c := range cfg.Clients {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%v\t%s\n", c.ID, c.Name, c.Enabled, c.MCPAccess, c.DeferredLoading, c.Strategy)
			}
			return w.Flush()
		},
	}

	var name, mcpAccess, strategy string
	var mcpServers []string
	var deferredLoading bool
	create := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Create a client and print its secret (shown exactly once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			id := args[0]
			for _, c := range cfg.Clients {
				if c.ID == id {
					return fmt.Errorf("client %s already exists", id)
				}
			}

			secret, err := auth.GenerateSecret()
			if err != nil {
				return err
			}
			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}

			if name == "" {
				name = id
			}
			cfg.Clients = append(cfg.Clients, config.ClientConfig{
				ID:              id,
				Name:            name,
				SecretHash:      hash,
				Enabled:         true,
				MCPAccess:       mcpAccess,
				MCPServers:      mcpServers,
				DeferredLoading: deferredLoading,
				Strategy:        strategy,
			})
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}

			fmt.Printf("Client %s created.\n", id)
			fmt.Printf("Secret (store it now, it is not recoverable): %s\n", secret)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Human-readable name")
	create.Flags().StringVar(&mcpAccess, "mcp-access", "all", "MCP access mode: none, all, or specific")
	create.Flags().StringSliceVar(&mcpServers, "mcp-servers", nil, "Server ids for --mcp-access specific")
	create.Flags().BoolVar(&deferredLoading, "deferred-loading", false, "Enable deferred tool loading")
	create.Flags().StringVar(&strategy, "strategy", "", "Strategy id")

	rm := &cobra.Command{
		Use:   "rm <client-id>",
		Short: "Delete a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			kept := cfg.Clients[:0]
			found := false
			for _, c := range cfg.Clients {
				if c.ID == args[0] {
					found = true
					continue
				}
				kept = append(kept, c)
			}
			if !found {
				return fmt.Errorf("client %s not found", args[0])
			}
			cfg.Clients = kept
			return config.Save(path, cfg)
		},
	}

	setEnabled := func(enabled bool) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			path, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			for i := range cfg.Clients {
				if cfg.Clients[i].ID == args[0] {
					cfg.Clients[i].Enabled = enabled
					return config.Save(path, cfg)
				}
			}
			return fmt.Errorf("client %s not found", args[0])
		}
	}
	enable := &cobra.Command{Use: "enable <client-id>", Short: "Enable a client", Args: cobra.ExactArgs(1), RunE: setEnabled(true)}
	disable := &cobra.Command{Use: "disable <client-id>", Short: "Disable a client", Args: cobra.ExactArgs(1), RunE: setEnabled(false)}

	cmd.AddCommand(ls, create, rm, enable, disable)
	return cmd
}
