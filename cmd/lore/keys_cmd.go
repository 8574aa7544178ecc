package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/cli"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys (requires a root key)",
	}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysRevokeCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var (
		name   string
		isRoot bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key",
		Long: `Mint an API key for an agent or machine. The global --project flag
scopes the key to one project; scoped keys cannot see or touch other
projects' lessons.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysCreate(name, isRoot)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Key name, e.g. the agent it belongs to")
	cmd.Flags().BoolVar(&isRoot, "root", false, "Mint a root (admin) key")
	return cmd
}

func keysListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [id]",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRevoke(args[0])
		},
	}
}

func runKeysCreate(name string, isRoot bool) error {
	if strings.TrimSpace(name) == "" {
		return userError("keys create needs --name",
			"Example: lore keys create --name ci-agent --project api")
	}

	rs, err := newRemoteStore()
	if err != nil {
		return err
	}
	defer rs.Close()

	grant, err := rs.CreateKey(context.Background(), name, flagProject, isRoot)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s✓%s Key created: %s (%s)\n\n", cli.Green, cli.Reset, grant.Name, grant.ID)
	if grant.Project != "" {
		fmt.Printf("  Project: %s\n", grant.Project)
	}
	fmt.Printf("  API key: %s%s%s\n\n", cli.Bold, grant.Key, cli.Reset)
	fmt.Printf("  %sShown once and never again. Store it now.%s\n\n", cli.Yellow, cli.Reset)
	return nil
}

func runKeysList(jsonOut bool) error {
	rs, err := newRemoteStore()
	if err != nil {
		return err
	}
	defer rs.Close()

	keys, err := rs.ListKeys(context.Background())
	if err != nil {
		return err
	}

	if jsonOut {
		data, _ := json.MarshalIndent(keys, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(keys) == 0 {
		fmt.Println("No keys.")
		return nil
	}

	fmt.Printf("\n  %-26s  %-16s  %-14s  %-12s  %-5s  %-8s  %s\n",
		"ID", "NAME", "PREFIX", "PROJECT", "ROOT", "STATUS", "LAST USED")
	for _, k := range keys {
		project := k.Project
		if project == "" {
			project = "-"
		}
		root := "-"
		if k.IsRoot {
			root = "yes"
		}
		status := cli.Green + "active " + cli.Reset
		if k.Revoked {
			status = cli.Red + "revoked" + cli.Reset
		}
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = cli.Ago(*k.LastUsedAt)
		}
		fmt.Printf("  %-26s  %-16s  %-14s  %-12s  %-5s  %s  %s\n",
			k.ID, cli.Truncate(k.Name, 16), k.KeyPrefix, cli.Truncate(project, 12), root, status, lastUsed)
	}
	fmt.Println()
	return nil
}

func runKeysRevoke(id string) error {
	rs, err := newRemoteStore()
	if err != nil {
		return err
	}
	defer rs.Close()

	if err := rs.RevokeKey(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("%s✓%s Revoked key %s\n", cli.Green, cli.Reset, id)
	return nil
}
