package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MintToken returns a fresh session token: opaque, globally unique and
// unguessable (random UUID, crypto/rand backed), hex without separators.
func MintToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Registry is the concurrency-safe token -> session map shared by the
// dispatcher, each session's own close path, and the reaper.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Token()] = s
}

func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	return s, ok
}

func (r *Registry) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns session state for the admin plane, ordered by token.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Token < out[j].Token
	})
	return out
}

// IdleBefore returns every session whose last activity predates the cutoff.
// The activity check happens after the registry lock is released; a session's
// lock is never taken while the registry is held.
func (r *Registry) IdleBefore(cutoff time.Time) []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	var out []*Session
	for _, s := range list {
		if s.lastActiveAt().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
