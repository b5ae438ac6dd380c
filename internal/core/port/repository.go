package port

import (
	"context"

	"github.com/vibelink/callcore/internal/core/domain"
)

// SessionRepository is the shared session table. It exposes plain row CRUD
// only: no transaction or compare-and-swap primitive is assumed, so callers
// that touch two rows do so as two independent writes.
type SessionRepository interface {
	// Get returns the row for a user, or domain.ErrNotFound.
	Get(ctx context.Context, id domain.UserID) (domain.CallSession, error)
	// Upsert writes the full row, creating it if absent.
	Upsert(ctx context.Context, s domain.CallSession) error
	// FindAvailable returns the profile of one available user other than
	// exclude, or domain.ErrNoCandidate. Selection among several candidates
	// is whatever the store returns first.
	FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error)
	// Delete removes the row for a user. Deleting an absent row is not an
	// error.
	Delete(ctx context.Context, id domain.UserID) error
}
