package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ligustah/shuttle/internal/domain"
)

// Options configures an Aggregator.
type Options struct {
	// Interval is the minimum gap between snapshots carrying new byte counts.
	// Default: 16ms
	Interval time.Duration

	// TextInterval is the minimum gap between speed/ETA recomputations.
	// Default: 80ms
	TextInterval time.Duration

	// Estimator tunes speed and ETA smoothing.
	Estimator EstimatorOptions
}

// DefaultOptions returns the emission cadence used for interactive displays.
func DefaultOptions() Options {
	return Options{
		Interval:     16 * time.Millisecond,
		TextInterval: 80 * time.Millisecond,
		Estimator:    DefaultEstimatorOptions(),
	}
}

// Aggregator collects raw progress from an engine and republishes it as
// throttled snapshots. Producers call Update as often as they like; it only
// stores the latest count. Subscribers receive at most one pending snapshot:
// a slow subscriber sees the newest value, never a backlog.
type Aggregator struct {
	sessionID string
	opts      Options
	est       *Estimator

	transferred atomic.Int64
	total       atomic.Int64
	resumed     atomic.Bool

	mu       sync.Mutex
	latest   domain.Snapshot
	lastText time.Time
	subs     map[int]chan domain.Snapshot
	nextSub  int
	closed   bool
}

// NewAggregator creates an Aggregator for one session. Total starts unknown.
func NewAggregator(sessionID string, opts Options) *Aggregator {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.TextInterval <= 0 {
		opts.TextInterval = def.TextInterval
	}

	a := &Aggregator{
		sessionID: sessionID,
		opts:      opts,
		est:       NewEstimator(opts.Estimator),
		subs:      make(map[int]chan domain.Snapshot),
	}
	a.total.Store(-1)
	a.latest = domain.Snapshot{SessionID: sessionID, TotalBytes: -1}
	return a
}

// Update records the cumulative transferred byte count. Lower values than
// already seen are ignored so published counts never go backwards.
func (a *Aggregator) Update(transferred int64) {
	for {
		cur := a.transferred.Load()
		if transferred <= cur {
			return
		}
		if a.transferred.CompareAndSwap(cur, transferred) {
			return
		}
	}
}

// SetTotal records the total size once it is known.
func (a *Aggregator) SetTotal(total int64) {
	a.total.Store(total)
}

// SetResumed marks the session as continuing a previous partial transfer.
func (a *Aggregator) SetResumed(resumed bool) {
	a.resumed.Store(resumed)
}

// Reset zeroes the byte count and the estimator. It is the only way the
// published count may decrease, used when a resume falls back to a fresh start.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.transferred.Store(0)
	a.est.Reset()
	a.lastText = time.Time{}
	a.latest = domain.Snapshot{SessionID: a.sessionID, TotalBytes: a.total.Load(), At: time.Now()}
}

// Tick builds a snapshot at now and publishes it if anything changed.
func (a *Aggregator) Tick(now time.Time) domain.Snapshot {
	return a.tick(now, false)
}

// Flush publishes a snapshot at now with freshly computed speed and ETA.
func (a *Aggregator) Flush(now time.Time) domain.Snapshot {
	return a.tick(now, true)
}

func (a *Aggregator) tick(now time.Time, force bool) domain.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	bytes := a.transferred.Load()
	total := a.total.Load()

	snap := a.latest
	snap.TransferredBytes = bytes
	snap.TotalBytes = total
	snap.IsResumed = a.resumed.Load()
	snap.Percent = percent(bytes, total)

	if force || now.Sub(a.lastText) >= a.opts.TextInterval {
		a.est.Observe(domain.ProgressSample{Time: now, Bytes: bytes})
		snap.BytesPerSecond = a.est.Speed()

		if total >= 0 {
			eta, ok := a.est.ETA(total - bytes)
			snap.RemainingSeconds = eta.Seconds()
			snap.ETAKnown = ok
		} else {
			snap.RemainingSeconds = 0
			snap.ETAKnown = false
		}
		a.lastText = now
	}

	prev := a.latest
	prev.At = snap.At
	if snap == prev && !force {
		return a.latest
	}

	snap.At = now
	a.latest = snap
	a.publishLocked(snap)
	return snap
}

// Latest returns the most recent snapshot.
func (a *Aggregator) Latest() domain.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Subscribe returns a channel receiving snapshots with latest-wins semantics,
// and a function to cancel the subscription. The channel is closed by Close
// or by the cancel function.
func (a *Aggregator) Subscribe() (<-chan domain.Snapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan domain.Snapshot, 1)
	if a.closed {
		ch <- a.latest
		close(ch)
		return ch, func() {}
	}

	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	if !a.latest.At.IsZero() {
		ch <- a.latest
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if c, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(c)
			}
		})
	}
}

// Run ticks at the configured interval until ctx is done, then publishes a
// final flushed snapshot.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Flush(time.Now())
			return
		case now := <-ticker.C:
			a.Tick(now)
		}
	}
}

// Close closes every subscriber channel. Later subscribers receive the final
// snapshot on an already closed channel.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
}

// publishLocked replaces any pending snapshot on each subscriber channel.
// Must be called with a.mu held; it is the only sender.
func (a *Aggregator) publishLocked(snap domain.Snapshot) {
	for _, ch := range a.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func percent(bytes, total int64) float64 {
	if total <= 0 {
		if total == 0 {
			return 100
		}
		return 0
	}
	p := float64(bytes) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}
