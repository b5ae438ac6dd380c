package port

import (
	"context"

	"github.com/vibelink/callcore/internal/core/domain"
)

// Identity resolves the authenticated local user.
type Identity interface {
	// CurrentUser returns the signed-in user id, or
	// domain.ErrNotAuthenticated.
	CurrentUser(ctx context.Context) (domain.UserID, error)
}

// MediaPermissions reports whether the device granted camera and microphone
// access. The actual prompt lives with the app; this port only answers it.
type MediaPermissions interface {
	// Request returns nil when access is granted, or
	// domain.ErrPermissionDenied.
	Request(ctx context.Context) error
}
