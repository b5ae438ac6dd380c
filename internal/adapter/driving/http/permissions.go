package http

import (
	"context"
	"sync"

	"github.com/vibelink/callcore/internal/core/domain"
)

// Permissions implements port.MediaPermissions from the device permission
// state the connected app reports. Until the app reports a grant, access
// counts as denied.
type Permissions struct {
	mu      sync.Mutex
	granted bool
}

func NewPermissions() *Permissions {
	return &Permissions{}
}

func (p *Permissions) SetGranted(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = granted
}

func (p *Permissions) Request(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.granted {
		return domain.ErrPermissionDenied
	}
	return nil
}
