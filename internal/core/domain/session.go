package domain

import (
	"fmt"
	"math/rand"
	"time"
)

// Status is the matching availability of a user. Values are stored, keep
// them stable.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// CallSession is one row of the shared session table: at most one per user.
// ChannelName and MatchedWith are set together when the user is paired and
// empty otherwise.
type CallSession struct {
	UserID      UserID
	Status      Status
	ChannelName string
	MatchedWith UserID
	UpdatedAt   time.Time
}

// NewSession returns an unpaired row with the given status. Pairing fields
// start cleared; writing this over an existing row is the hard reset the
// availability flow relies on.
func NewSession(userID UserID, status Status) CallSession {
	return CallSession{
		UserID:    userID,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
}

// Paired reports whether the row carries pairing data.
func (s CallSession) Paired() bool {
	return s.ChannelName != "" && !s.MatchedWith.IsZero()
}

// Profile is the minimal projection of a user shown to their match.
type Profile struct {
	UserID    UserID
	Username  string
	AvatarURL string
}

// MatchResult is what the matcher hands back on a successful pairing.
type MatchResult struct {
	Peer     Profile
	Channel  string
	LocalUID uint32
}

// NewChannelName generates the shared media channel identifier both peers
// join.
func NewChannelName() string {
	return fmt.Sprintf("channel-%d", rand.Intn(10000000))
}

// NewLocalUID generates the numeric id the local user joins the media
// channel with.
func NewLocalUID() uint32 {
	return uint32(rand.Intn(100000))
}
