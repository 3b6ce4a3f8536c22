package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/transfer"
)

// progressBar renders snapshots on a terminal. A nil *progressBar renders
// nothing.
type progressBar struct {
	bar   *progressbar.ProgressBar
	label string
	max   int64
}

func newProgressBar(w io.Writer, label string) *progressBar {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	return &progressBar{bar: bar, label: label, max: -1}
}

// Update moves the bar to snap. Speed and ETA come from the snapshot so the
// bar agrees with what the API reports.
func (p *progressBar) Update(snap domain.Snapshot) {
	if p == nil {
		return
	}
	if snap.TotalBytes > 0 && snap.TotalBytes != p.max {
		p.bar.ChangeMax64(snap.TotalBytes)
		p.max = snap.TotalBytes
	}
	_ = p.bar.Set64(snap.TransferredBytes)

	desc := fmt.Sprintf("%s %s ETA %s",
		p.label,
		progress.FormatSpeed(snap.BytesPerSecond),
		progress.FormatETA(snap.RemainingSeconds, snap.ETAKnown))
	if snap.IsResumed {
		desc += " (resumed)"
	}
	p.bar.Describe(desc)
}

// Finish completes the bar after a successful transfer and leaves it as is
// otherwise.
func (p *progressBar) Finish(ok bool) {
	if p == nil {
		return
	}
	if ok {
		_ = p.bar.Finish()
		return
	}
	_ = p.bar.Exit()
}

// follow renders s until it finished. Cancelling ctx (Ctrl-C) requests a
// cooperative cancel and keeps waiting for the session to settle.
func follow(ctx context.Context, c *coordinator, s *transfer.Session, bar *progressBar, log *slog.Logger) error {
	snaps, unsubscribe, err := c.Subscribe(s.ID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	go func() {
		select {
		case <-ctx.Done():
			log.Info("interrupt received, cancelling", "session", s.ID)
			if err := c.Cancel(s.ID); err != nil {
				log.Warn("session cannot be cancelled, waiting for it to finish", "session", s.ID, "error", err)
			}
		case <-s.Done():
		}
	}()

	for snap := range snaps {
		bar.Update(snap)
	}

	err = s.Wait(context.Background())
	bar.Update(s.Latest())
	bar.Finish(err == nil)
	return err
}
