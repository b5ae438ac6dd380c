package auth

import (
	"context"

	"github.com/vibelink/callcore/internal/core/domain"
)

// Static serves a fixed user identity, the one the app signed in with. The
// actual sign-in flow lives with the app's auth provider; the coordinator
// only needs the opaque id.
type Static struct {
	id domain.UserID
}

func NewStatic(id domain.UserID) *Static {
	return &Static{id: id}
}

func (s *Static) CurrentUser(ctx context.Context) (domain.UserID, error) {
	if s.id.IsZero() {
		return domain.UserID{}, domain.ErrNotAuthenticated
	}
	return s.id, nil
}
