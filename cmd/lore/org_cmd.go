package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/cli"
)

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage the server organization",
	}
	cmd.AddCommand(orgInitCmd())
	return cmd
}

func orgInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a fresh server and mint its root key",
		Long: `Create the organization on a freshly deployed server. Works exactly
once per server; afterwards new keys come from 'lore keys create'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgInit(name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Organization name")
	return cmd
}

func runOrgInit(name string) error {
	if strings.TrimSpace(name) == "" {
		return userError("org init needs --name",
			`Example: lore org init --name "Acme" --api-url https://lore.example.com`)
	}
	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	if cfg.API.URL == "" {
		return userError("org init needs a server URL",
			"Pass --api-url or set LORE_API_URL")
	}

	res, err := lore.InitOrg(context.Background(), cfg.API.URL, name)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s✓%s Organization created: %s\n\n", cli.Green, cli.Reset, res.OrgID)
	fmt.Printf("  Root API key: %s%s%s\n", cli.Bold, res.APIKey, cli.Reset)
	fmt.Printf("  Key prefix:   %s\n\n", res.KeyPrefix)
	fmt.Printf("  %sThe key is shown once and cannot be recovered. Store it now:%s\n",
		cli.Yellow, cli.Reset)
	fmt.Printf("    export LORE_API_URL=%s\n", cfg.API.URL)
	fmt.Printf("    export LORE_API_KEY=%s\n\n", res.APIKey)
	return nil
}
