package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ligustah/shuttle/internal/config"
	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/transfer"
)

type uploadFlags struct {
	partSize    string
	contentType string
	backend     string
	bucketURL   string
	endpoint    string
	quiet       bool
	owner       string
}

func newUploadCmd(a *app) *cobra.Command {
	var flags uploadFlags

	cmd := &cobra.Command{
		Use:   "upload <path> <bucket>/<key>",
		Short: "Upload a local file to object storage",
		Long: `Upload a local file to object storage.

Files at or above upload.multipart_threshold are split into parts uploaded in
parallel. Ctrl-C aborts the upload and removes every part already stored.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), a, args[0], args[1], flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.partSize, "part-size", "", "Multipart part size, e.g. 16MiB")
	f.StringVar(&flags.contentType, "content-type", "", "Content type (detected when empty)")
	f.StringVar(&flags.backend, "backend", "", "Object store backend (blob, minio, s3)")
	f.StringVar(&flags.bucketURL, "bucket-url", "", "Bucket URL template of the blob backend")
	f.StringVar(&flags.endpoint, "endpoint", "", "Endpoint of the minio or s3 backend")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "Do not render a progress bar")
	f.StringVar(&flags.owner, "owner", "", "Owner tag of the session")
	return cmd
}

// splitDestination splits "bucket/key/with/slashes".
func splitDestination(dest string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(dest, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("destination must be <bucket>/<key>, got %q", dest)
	}
	return bucket, key, nil
}

func runUpload(ctx context.Context, a *app, path, dest string, flags uploadFlags) error {
	bucket, key, err := splitDestination(dest)
	if err != nil {
		return usage(err)
	}

	override := config.Config{Upload: config.UploadConfig{
		Backend:   flags.backend,
		BucketURL: flags.bucketURL,
		Endpoint:  flags.endpoint,
	}}
	if flags.partSize != "" {
		size, err := progress.ParseBytes(flags.partSize)
		if err != nil {
			return usage(fmt.Errorf("invalid part size: %w", err))
		}
		override.Upload.PartSize = config.ByteSize(size)
	}
	a.cfg = a.cfg.Merge(override)
	if err := a.cfg.Validate(); err != nil {
		return usage(err)
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

	c, err := a.newCoordinator(ctx, components{uploads: true})
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := c.UploadFile(ctx, transfer.UploadRequest{
		LocalPath:   abs,
		Bucket:      bucket,
		Key:         key,
		ContentType: flags.contentType,
		Owner:       flags.owner,
	})
	if err != nil {
		return err
	}

	var bar *progressBar
	if !flags.quiet {
		bar = newProgressBar(os.Stderr, filepath.Base(abs))
	}
	if err := follow(ctx, c, s, bar, a.log); err != nil {
		return err
	}

	info := s.Info()
	fmt.Fprintf(os.Stderr, "[shuttle] Uploaded %s to %s\n", progress.FormatBytes(info.TransferredBytes), info.Location)
	return nil
}
