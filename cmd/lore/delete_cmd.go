package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/cli"
)

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(args[0])
		},
	}
}

func runDelete(id string) error {
	client, err := newClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	ok, err := client.Delete(context.Background(), id)
	if err != nil {
		return err
	}
	if !ok {
		return userError(fmt.Sprintf("No lesson with id %s", id),
			"Run 'lore list' to see stored lessons")
	}
	fmt.Printf("%s✓%s Deleted lesson %s\n", cli.Green, cli.Reset, id)
	return nil
}
