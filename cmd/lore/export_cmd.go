package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/cli"
)

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export lessons as JSON",
		Long: `Write every lesson in scope to a portable JSON envelope. Embeddings
are stripped; they are re-derived on import. With no file argument the
envelope goes to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runExport(path)
		},
	}
}

func runExport(path string) error {
	client, err := newClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	lessons, err := client.Export(context.Background(), path)
	if err != nil {
		return err
	}

	if path == "" {
		envelope := struct {
			Version int            `json:"version"`
			Lessons []*lore.Lesson `json:"lessons"`
		}{lore.ExportVersion, lessons}
		data, err := json.MarshalIndent(envelope, "", "  ")
		if err != nil {
			return fmt.Errorf("encode export: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%s✓%s Exported %s lesson(s) to %s\n",
		cli.Green, cli.Reset, cli.FormatNumber(len(lessons)), cli.ShortenHome(path))
	return nil
}
