package ws

import "github.com/vibelink/callcore/internal/core/domain"

type Client interface {
	ID() string
	SendState(state domain.CallState) error
	SendNotice(kind domain.NoticeKind, message string) error
	Close() error
}
