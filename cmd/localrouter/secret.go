package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localrouter/gateway/pkg/config"
	"github.com/localrouter/gateway/pkg/vault"
)

func openVault() (*vault.Vault, error) {
	path, err := config.VaultPath()
	if err != nil {
		return nil, err
	}
	return vault.Open(path)
}

func secretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the encrypted secret vault",
	}

	set := &cobra.Command{
		Use:   "set <ref>",
		Short: "Store a secret under a ref (value read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			reader := bufio.NewReader(os.Stdin)
			value, err := reader.ReadString('\n')
			if err != nil && value == "" {
				return fmt.Errorf("reading secret from stdin: %w", err)
			}
			return v.Set(args[0], strings.TrimRight(value, "\r\n"))
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List stored secret refs (values are never printed)",
		RunE: func(_ *cobra.Command, _ []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			for _, ref := range v.List() {
				fmt.Println(ref)
			}
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <ref>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			return v.Delete(args[0])
		},
	}

	cmd.AddCommand(set, ls, rm)
	return cmd
}
