package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/cli"
	"github.com/sgx-labs/lore/internal/lessonfile"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import lessons from an export or lesson file",
		Long: `Ingest lessons from a JSON export (envelope or bare array) or a
markdown lesson file. Text is redacted and re-embedded on the way in;
lessons whose ids already exist are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(args[0])
		},
	}
}

func runImport(path string) error {
	client, err := newClient(true)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()

	var n int
	if strings.HasSuffix(path, ".md") {
		lessons, err := lessonfile.ParseFile(path)
		if err != nil {
			return err
		}
		data, err := json.Marshal(lessons)
		if err != nil {
			return err
		}
		n, err = client.ImportData(ctx, data)
		if err != nil {
			return err
		}
	} else {
		n, err = client.Import(ctx, path)
		if err != nil {
			return err
		}
	}

	fmt.Printf("%s✓%s Imported %s lesson(s) from %s\n",
		cli.Green, cli.Reset, cli.FormatNumber(n), filepath.Base(path))
	return nil
}
