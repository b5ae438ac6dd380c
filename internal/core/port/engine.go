package port

import "context"

// EngineHandler receives asynchronous events from the RTC engine. Calls may
// arrive from engine-owned goroutines.
type EngineHandler interface {
	OnJoinSuccess(channel string, uid uint32)
	OnUserJoined(uid uint32)
	OnUserOffline(uid uint32, reason string)
	OnError(code int, message string)
}

// Engine is the RTC transport boundary. The call lifecycle owns exactly one
// engine instance at a time and must Release it on every exit path.
type Engine interface {
	Init(appID string) error
	SetHandler(h EngineHandler)

	EnableVideo() error
	EnableAudio() error

	JoinChannel(ctx context.Context, channel string, uid uint32) error
	LeaveChannel() error

	StartPreview() error
	StopPreview() error

	EnableLocalAudio(enabled bool) error
	EnableLocalVideo(enabled bool) error
	SwitchCamera() error

	Release() error
}
