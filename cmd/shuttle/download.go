package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ligustah/shuttle/internal/config"
	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/transfer"
)

type downloadFlags struct {
	resume    bool
	quiet     bool
	owner     string
	rateLimit string
}

func newDownloadCmd(a *app) *cobra.Command {
	var flags downloadFlags

	cmd := &cobra.Command{
		Use:   "download <url> <path>",
		Short: "Download a URL to a local file, resuming a previous attempt",
		Long: `Download a URL to a local file.

A previous partial download of the same URL to the same path continues where
it stopped, provided the server still reports the same ETag and size. If the
resource changed, the download starts over.

Ctrl-C cancels. With --resume (the default) the partial file is kept for the
next run, otherwise it is deleted.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), a, args[0], args[1], flags)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&flags.resume, "resume", true, "Continue a previous partial download and keep the partial file on cancel")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "Do not render a progress bar")
	f.StringVar(&flags.owner, "owner", "", "Owner tag of the session")
	f.StringVar(&flags.rateLimit, "rate-limit", "", "Bandwidth limit, e.g. 10MB (per second)")
	return cmd
}

func runDownload(ctx context.Context, a *app, url, path string, flags downloadFlags) error {
	if flags.rateLimit != "" {
		limit, err := progress.ParseBytes(flags.rateLimit)
		if err != nil {
			return usage(fmt.Errorf("invalid rate limit: %w", err))
		}
		a.cfg = a.cfg.Merge(config.Config{Download: config.DownloadConfig{RateLimit: config.ByteSize(limit)}})
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return usage(err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := a.newCoordinator(ctx, components{downloads: true})
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := c.StartDownload(ctx, transfer.DownloadRequest{
		URL:       url,
		LocalPath: abs,
		Resume:    flags.resume,
		Owner:     flags.owner,
	})
	if err != nil {
		return err
	}

	var bar *progressBar
	if !flags.quiet {
		bar = newProgressBar(os.Stderr, filepath.Base(abs))
	}
	if err := follow(ctx, c, s, bar, a.log); err != nil {
		if flags.resume {
			fmt.Fprintln(os.Stderr, "[shuttle] Download stopped, run again to resume")
		}
		return err
	}

	info := s.Info()
	fmt.Fprintf(os.Stderr, "[shuttle] Downloaded %s to %s\n", progress.FormatBytes(info.TransferredBytes), info.Location)
	return nil
}
