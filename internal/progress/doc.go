// Package progress turns raw transfer byte counts into snapshots that are
// safe to hand to a display layer.
//
// # Estimator
//
// [Estimator] keeps an exponentially weighted moving average of throughput:
//
//	speed = speed*alpha + instant*(1-alpha)    alpha ≈ 0.9
//
// recomputed only when samples are at least MinInterval apart. An interval
// that moved no bytes decays the speed (speed *= 0.95) instead of zeroing it,
// so brief stalls do not flip the ETA to "calculating". The ETA is smoothed
// again (beta ≈ 0.8), clamped to 24h, and is zero once nothing remains.
//
// # Aggregator
//
// [Aggregator] decouples producers from consumers:
//
//	agg := progress.NewAggregator(sessionID, progress.DefaultOptions())
//	go agg.Run(ctx)
//
//	// engine side, any rate
//	agg.Update(written)
//
//	// consumer side, own cadence
//	snaps, cancel := agg.Subscribe()
//	defer cancel()
//	for s := range snaps {
//	    fmt.Printf("%.1f%% %s ETA %s\n", s.Percent,
//	        progress.FormatSpeed(s.BytesPerSecond),
//	        progress.FormatETA(s.RemainingSeconds, s.ETAKnown))
//	}
//
// Byte counts are published at most every Interval (~16ms); speed and ETA at
// most every TextInterval (~80ms). Each subscriber holds at most one pending
// snapshot and always sees the newest one.
package progress
