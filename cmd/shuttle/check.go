package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ligustah/shuttle/internal/progress"
)

func newCheckCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check <url> <path>",
		Short: "Report whether a partial download can be resumed",
		Long: `Probe the URL and compare it with the resume record of the local file.

A record that no longer matches the remote resource is deleted.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), a, args[0], args[1], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func runCheck(ctx context.Context, a *app, url, path string, asJSON bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return usage(err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := a.newCoordinator(ctx, components{downloads: true})
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.CheckResumable(ctx, url, abs)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("URL: %s\n", url)
	fmt.Printf("File: %s\n", abs)
	if status.TotalBytes >= 0 {
		fmt.Printf("Total size: %s\n", progress.FormatBytes(status.TotalBytes))
	} else {
		fmt.Println("Total size: unknown")
	}
	if status.CanResume {
		fmt.Printf("Status: RESUMABLE at %s\n", progress.FormatBytes(status.DownloadedBytes))
	} else {
		fmt.Println("Status: NOT RESUMABLE")
	}
	return nil
}
