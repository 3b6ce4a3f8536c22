package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/resume"
)

func newStateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and delete resume records",
	}
	cmd.AddCommand(newStateListCmd(a), newStateClearCmd(a))
	return cmd
}

func newStateListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List partial downloads that can be resumed",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := a.openResume(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(os.Stderr, "No resume records")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "URL\tFILE\tDOWNLOADED\tUPDATED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					rec.ResourceKey,
					rec.LocalPath,
					formatRecordProgress(rec),
					rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func formatRecordProgress(rec resume.Record) string {
	if rec.Remote.Size > 0 {
		return fmt.Sprintf("%s / %s", progress.FormatBytes(rec.DownloadedBytes), progress.FormatBytes(rec.Remote.Size))
	}
	return progress.FormatBytes(rec.DownloadedBytes)
}

func newStateClearCmd(a *app) *cobra.Command {
	var (
		all         bool
		force       bool
		removeFiles bool
	)

	cmd := &cobra.Command{
		Use:   "clear [<url> <path>]",
		Short: "Delete resume records",
		Long: `Delete the resume record of one partial download, or of all of them with --all.

Without --remove-files the partial files stay on disk but will be downloaded
from scratch next time.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return usage(cobra.NoArgs(cmd, args))
			}
			return usage(cobra.ExactArgs(2)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := a.openResume(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var targets []resume.Record
			if all {
				if targets, err = store.List(ctx); err != nil {
					return err
				}
			} else {
				abs, err := filepath.Abs(args[1])
				if err != nil {
					return usage(err)
				}
				targets = []resume.Record{{ResourceKey: args[0], LocalPath: abs}}
			}
			if len(targets) == 0 {
				fmt.Fprintln(os.Stderr, "No resume records")
				return nil
			}

			if !force && !confirm(fmt.Sprintf("Delete %d resume record(s)? [y/N]: ", len(targets))) {
				fmt.Fprintln(os.Stderr, "Cancelled")
				return nil
			}

			for _, rec := range targets {
				if err := store.Clear(ctx, rec.ResourceKey, rec.LocalPath); err != nil {
					return err
				}
				if removeFiles {
					if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
						a.log.Warn("removing partial file failed", "path", rec.LocalPath, "error", err)
					}
				}
				fmt.Fprintf(os.Stderr, "[shuttle] Cleared: %s -> %s\n", rec.ResourceKey, rec.LocalPath)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "Delete every record")
	f.BoolVar(&force, "force", false, "Skip confirmation prompt")
	f.BoolVar(&removeFiles, "remove-files", false, "Also delete the partial files")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
