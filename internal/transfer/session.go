package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
	"github.com/ligustah/shuttle/internal/progress"
)

var transitions = map[domain.State][]domain.State{
	domain.StateIdle:        {domain.StateDownloading, domain.StateUploading},
	domain.StateDownloading: {domain.StateExtracting, domain.StateCancelling, domain.StateError},
	domain.StateExtracting:  {domain.StateCompleted, domain.StateCancelling, domain.StateError},
	domain.StateUploading:   {domain.StateCompleted, domain.StateCancelling, domain.StateError},
	// An upload that committed before it saw the cancel is still completed.
	domain.StateCancelling: {domain.StateIdle, domain.StateCompleted},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to domain.State) bool {
	return slices.Contains(transitions[from], to)
}

// Session is one download or upload. Its state is written only by the
// Coordinator; everything else reads it through Info.
type Session struct {
	ID          string
	Direction   domain.Direction
	Owner       string
	ResourceKey string
	Object      objstore.Object
	LocalPath   string
	StartedAt   time.Time

	// Resume keeps the partial file and its record when the session is
	// cancelled. When false, cancellation deletes both.
	Resume bool

	token *CancelToken
	agg   *progress.Aggregator
	done  chan struct{}

	mu          sync.Mutex
	state       domain.State
	resumed     bool
	remote      domain.RemoteIdentity
	cancellable bool
	location    string
	err         error
}

func newSession(ctx context.Context, id string, dir domain.Direction, opts progress.Options) *Session {
	return &Session{
		ID:          id,
		Direction:   dir,
		StartedAt:   time.Now(),
		token:       NewCancelToken(ctx),
		agg:         progress.NewAggregator(id, opts),
		done:        make(chan struct{}),
		state:       domain.StateIdle,
		cancellable: true,
	}
}

// State returns the current state.
func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to state to. It returns the previous state.
func (s *Session) transition(to domain.State) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !CanTransition(from, to) {
		return from, fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, from, to)
	}
	s.state = to
	return from, nil
}

func (s *Session) setResumed(resumed bool, remote domain.RemoteIdentity) {
	s.mu.Lock()
	s.resumed = resumed
	s.remote = remote
	s.mu.Unlock()
	s.agg.SetResumed(resumed)
}

// settle records the engine outcome. A session that is cancelling ends
// cancelled whatever error the engine reported; it is left in
// StateCancelling for the caller to clean up and move to StateIdle.
func (s *Session) settle(err error, location string) (from, to domain.State, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = s.state
	switch {
	case err == nil:
		s.state = domain.StateCompleted
		s.location = location
	case from == domain.StateCancelling || errors.Is(err, domain.ErrUserCancelled):
		s.state = domain.StateCancelling
		err = domain.ErrUserCancelled
	default:
		s.state = domain.StateError
	}
	s.err = err
	return from, s.state, err
}

// Done is closed once the session reached its terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finished or ctx is done. It returns nil on
// completion, an error wrapping domain.ErrUserCancelled after a cancel, and
// the failure otherwise.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Latest returns the newest progress snapshot.
func (s *Session) Latest() domain.Snapshot {
	return s.agg.Latest()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID               string           `json:"id"`
	Direction        domain.Direction `json:"direction"`
	Owner            string           `json:"owner,omitempty"`
	ResourceKey      string           `json:"resource_key,omitempty"`
	Bucket           string           `json:"bucket,omitempty"`
	Key              string           `json:"key,omitempty"`
	LocalPath        string           `json:"local_path"`
	ETag             string           `json:"etag,omitempty"`
	State            domain.State     `json:"state"`
	TransferredBytes int64            `json:"transferred_bytes"`
	TotalBytes       int64            `json:"total_bytes"`
	IsResumed        bool             `json:"is_resumed"`
	Cancellable      bool             `json:"cancellable"`
	StartedAt        time.Time        `json:"started_at"`
	Location         string           `json:"location,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	snap := s.agg.Latest()

	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:               s.ID,
		Direction:        s.Direction,
		Owner:            s.Owner,
		ResourceKey:      s.ResourceKey,
		Bucket:           s.Object.Bucket,
		Key:              s.Object.Key,
		LocalPath:        s.LocalPath,
		ETag:             s.remote.ETag,
		State:            s.state,
		TransferredBytes: snap.TransferredBytes,
		TotalBytes:       snap.TotalBytes,
		IsResumed:        s.resumed,
		Cancellable:      s.cancellable,
		StartedAt:        s.StartedAt,
		Location:         s.location,
	}
	if s.err != nil && s.state == domain.StateError {
		info.Error = s.err.Error()
	}
	return info
}
