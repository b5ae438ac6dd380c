package port

import (
	"context"

	"github.com/vibelink/callcore/internal/core/domain"
)

// EventGateway pushes call lifecycle updates to whoever is driving the
// screen. Delivery is best effort; a missing or slow client must not stall
// the state machine.
type EventGateway interface {
	BroadcastState(ctx context.Context, state domain.CallState) error
	Notify(ctx context.Context, kind domain.NoticeKind, message string) error
}
