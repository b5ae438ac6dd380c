package domain

// CallState is the lifecycle state of the local call screen. Values are part
// of the control-surface protocol, keep them stable.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallSearching  CallState = "searching"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallError      CallState = "error"
)

// InCall reports whether the engine holds a channel in this state.
func (s CallState) InCall() bool {
	return s == CallConnecting || s == CallConnected
}

// NoticeKind classifies user-visible notices emitted by the call lifecycle.
type NoticeKind string

const (
	NoticePermissionDenied NoticeKind = "permission_denied"
	NoticeNoMatch          NoticeKind = "no_match"
	NoticeCallEnded        NoticeKind = "call_ended"
	NoticeStorageFailure   NoticeKind = "storage_failure"
	NoticeEngineFailure    NoticeKind = "engine_failure"
)

// MediaSettings are the local media toggles applied when a call starts.
type MediaSettings struct {
	EnableAudio bool
	EnableVideo bool
}

func DefaultMediaSettings() MediaSettings {
	return MediaSettings{EnableAudio: true, EnableVideo: true}
}
