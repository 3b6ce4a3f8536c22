package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ligustah/shuttle/internal/domain"
)

// CancelToken is a one-way cancellation flag. Engines observe it through
// Context; once cancelled it stays cancelled.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken creates a token whose context is detached from the
// caller's cancellation but keeps its values.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel sets the flag. It does not wait for anything and may be called
// any number of times.
func (t *CancelToken) Cancel() { t.cancel() }

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool { return t.ctx.Err() != nil }

// Context is done once the token is cancelled.
func (t *CancelToken) Context() context.Context { return t.ctx }

// Registry tracks in-flight sessions and the resources they hold. No two
// sessions may share a resource key, a local path or an object.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	claims   map[string]string   // claim -> session id
	owners   map[string][]string // owner -> session ids
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		claims:   make(map[string]string),
		owners:   make(map[string][]string),
	}
}

func claimsOf(s *Session) []string {
	claims := []string{"path:" + filepath.Clean(s.LocalPath)}
	switch s.Direction {
	case domain.DirectionDownload:
		claims = append(claims, "resource:"+s.ResourceKey)
	case domain.DirectionUpload:
		claims = append(claims, "object:"+s.Object.String())
	}
	return claims
}

// Reserve registers s and claims its resources. It fails with
// domain.ErrAlreadyInProgress if any of them is held by another session.
func (r *Registry) Reserve(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyInProgress, s.ID)
	}
	claims := claimsOf(s)
	for _, c := range claims {
		if holder, ok := r.claims[c]; ok {
			return fmt.Errorf("%w: %s held by session %s", domain.ErrAlreadyInProgress, c, holder)
		}
	}

	r.sessions[s.ID] = s
	for _, c := range claims {
		r.claims[c] = s.ID
	}
	if s.Owner != "" {
		r.owners[s.Owner] = append(r.owners[s.Owner], s.ID)
	}
	return nil
}

// Get returns the in-flight session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove releases a session and everything it claimed. Removing an unknown
// id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	for _, c := range claimsOf(s) {
		if r.claims[c] == id {
			delete(r.claims, c)
		}
	}

	if s.Owner == "" {
		return
	}
	ids := r.owners[s.Owner]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.owners, s.Owner)
	} else {
		r.owners[s.Owner] = ids
	}
}

// Owned returns the in-flight sessions started by owner.
func (r *Registry) Owned(owner string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, id := range r.owners[owner] {
		out = append(out, r.sessions[id])
	}
	return out
}

// All returns every in-flight session, oldest first.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
