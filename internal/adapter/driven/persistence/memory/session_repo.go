package memory

import (
	"context"
	"sync"

	"github.com/vibelink/callcore/internal/core/domain"
)

// SessionRepository keeps session rows in memory. Candidate selection is
// insertion-ordered so behavior is deterministic.
type SessionRepository struct {
	mu       sync.Mutex
	sessions map[domain.UserID]domain.CallSession
	profiles map[domain.UserID]domain.Profile
	order    []domain.UserID
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[domain.UserID]domain.CallSession),
		profiles: make(map[domain.UserID]domain.Profile),
	}
}

// PutProfile seeds the profile projection returned for a candidate, standing
// in for the profile table the real store joins against.
func (r *SessionRepository) PutProfile(p domain.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.UserID] = p
}

func (r *SessionRepository) Get(ctx context.Context, id domain.UserID) (domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.CallSession{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *SessionRepository) Upsert(ctx context.Context, s domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.UserID]; !ok {
		r.order = append(r.order, s.UserID)
	}
	r.sessions[s.UserID] = s
	return nil
}

func (r *SessionRepository) FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		s, ok := r.sessions[id]
		if !ok || id == exclude || s.Status != domain.StatusAvailable {
			continue
		}
		if p, ok := r.profiles[id]; ok {
			return p, nil
		}
		return domain.Profile{UserID: id}, nil
	}
	return domain.Profile{}, domain.ErrNoCandidate
}

func (r *SessionRepository) Delete(ctx context.Context, id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return nil
	}
	delete(r.sessions, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
