package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localrouter/gateway/pkg/config"
	"github.com/localrouter/gateway/pkg/oauth"
)

// browserConfigFor builds the flow config for a server whose auth mode is
// oauth_browser.
func browserConfigFor(cfg *config.Config, serverID string) (oauth.BrowserConfig, error) {
	for _, s := range cfg.Servers {
		if s.ID != serverID {
			continue
		}
		if s.Auth == nil || s.Auth.Type != "oauth_browser" {
			return oauth.BrowserConfig{}, fmt.Errorf("server %s is not configured for browser OAuth", serverID)
		}
		return oauth.BrowserConfig{
			ClientID:     s.Auth.ClientID,
			SecretRef:    s.Auth.SecretRef,
			AuthURL:      s.Auth.AuthURL,
			TokenURL:     s.Auth.TokenURL,
			Scopes:       s.Auth.Scopes,
			RedirectPort: s.Auth.RedirectPort,
		}, nil
	}
	return oauth.BrowserConfig{}, fmt.Errorf("server %s not found", serverID)
}

func oauthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Authorize upstream MCP servers via browser OAuth",
	}
	var configPath string
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")

	authorize := &cobra.Command{
		Use:   "authorize <server-id>",
		Short: "Start a browser authorization flow and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			browserCfg, err := browserConfigFor(cfg, args[0])
			if err != nil {
				return err
			}

			v, err := openVault()
			if err != nil {
				return err
			}

			manager := oauth.NewManager(v)
			flow, err := manager.StartFlow(c.Context(), args[0], browserCfg)
			if err != nil {
				return err
			}

			fmt.Println("Open this URL in your browser to authorize:")
			fmt.Println()
			fmt.Println("  " + flow.AuthURL)
			fmt.Println()

			// Poll until the flow reaches a terminal state; the manager
			// enforces the hard timeout.
			for {
				select {
				case <-c.Context().Done():
					_ = manager.Cancel(flow.ID)
					return c.Context().Err()
				case <-time.After(500 * time.Millisecond):
				}

				status, err := manager.Status(flow.ID)
				if err != nil {
					return err
				}
				switch status.State {
				case oauth.StateSuccess:
					fmt.Printf("Authorized %s; tokens stored in the vault.\n", args[0])
					return nil
				case oauth.StateError:
					return fmt.Errorf("authorization failed: %s", status.Error)
				case oauth.StateTimeout:
					return fmt.Errorf("authorization timed out")
				case oauth.StateCancelled:
					return fmt.Errorf("authorization cancelled")
				}
			}
		},
	}

	status := &cobra.Command{
		Use:   "status <server-id>",
		Short: "Show whether a server has stored tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			store := oauth.NewTokenStore(&oauth.VaultCredentialHelper{Vault: v})
			token, err := store.Retrieve(args[0])
			if err != nil {
				fmt.Printf("%s: no tokens stored\n", args[0])
				return nil
			}
			expiry := "no expiry recorded"
			if !token.Expiry.IsZero() {
				expiry = "expires " + token.Expiry.Format(time.RFC3339)
			}
			fmt.Printf("%s: authorized (%s, refresh token: %v)\n", args[0], expiry, token.RefreshToken != "")
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <server-id>",
		Short: "Delete a server's stored tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			manager := oauth.NewManager(v)
			return manager.Revoke(args[0])
		},
	}

	cmd.AddCommand(authorize, status, revoke)
	return cmd
}
