package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vibelink/callcore/internal/core/domain"
	"github.com/vibelink/callcore/internal/core/port"
)

const (
	defaultPollInterval  = 3 * time.Second
	defaultSearchTimeout = 30 * time.Second
	joinTimeout          = 10 * time.Second
	cleanupTimeout       = 5 * time.Second
)

// CallConfig tunes the call lifecycle. Zero durations fall back to the
// defaults the mobile screen shipped with.
type CallConfig struct {
	AppID         string
	PollInterval  time.Duration
	SearchTimeout time.Duration
	Media         domain.MediaSettings
}

func (c CallConfig) withDefaults() CallConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = defaultSearchTimeout
	}
	if !c.Media.EnableAudio && !c.Media.EnableVideo {
		c.Media = domain.DefaultMediaSettings()
	}
	return c
}

// CallService drives the local call lifecycle:
//
//	idle -> searching -> connecting -> connected -> idle
//
// with error and cancel paths back to idle. It owns the poller that retries
// the matcher while searching, wires match results into the RTC engine, and
// guarantees teardown of engine resources and session rows on every exit
// path. All state lives behind the mutex; engine callbacks and poller
// results are applied through the same transition methods as user actions.
type CallService struct {
	matcher  *MatchService
	engine   port.Engine
	identity port.Identity
	perms    port.MediaPermissions
	gateway  port.EventGateway
	cfg      CallConfig

	mu         sync.Mutex
	state      domain.CallState
	userID     domain.UserID
	peer       domain.Profile
	channel    string
	localUID   uint32
	audioOn    bool
	videoOn    bool
	generation uint64
	cancelPoll context.CancelFunc
}

func NewCallService(
	matcher *MatchService,
	engine port.Engine,
	identity port.Identity,
	perms port.MediaPermissions,
	gateway port.EventGateway,
	cfg CallConfig,
) *CallService {
	s := &CallService{
		matcher:  matcher,
		engine:   engine,
		identity: identity,
		perms:    perms,
		gateway:  gateway,
		cfg:      cfg.withDefaults(),
		state:    domain.CallIdle,
	}
	engine.SetHandler(s)
	return s
}

// State returns the current lifecycle state.
func (s *CallService) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the matched peer's profile while a call is being set up or
// running.
func (s *CallService) Peer() domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// StartSearch begins looking for a match. It refuses unless the lifecycle is
// idle, asks for device media access first, and only then brings up the
// engine preview and the poller.
func (s *CallService) StartSearch(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.CallIdle {
		s.mu.Unlock()
		return domain.ErrCallInProgress
	}
	s.mu.Unlock()

	if err := s.perms.Request(ctx); err != nil {
		s.notify(domain.NoticePermissionDenied, "Camera and microphone access is required for video calls")
		return domain.ErrPermissionDenied
	}

	userID, err := s.identity.CurrentUser(ctx)
	if err != nil {
		s.notify(domain.NoticeStorageFailure, "Could not start search. Please try again.")
		return err
	}

	if err := s.setupEngine(); err != nil {
		log.Error().Err(err).Msg("Engine setup failed")
		s.releaseEngine()
		s.notify(domain.NoticeEngineFailure, "Could not start the camera")
		return err
	}

	s.mu.Lock()
	if s.state != domain.CallIdle {
		s.mu.Unlock()
		s.releaseEngine()
		return domain.ErrCallInProgress
	}
	s.userID = userID
	s.audioOn = s.cfg.Media.EnableAudio
	s.videoOn = s.cfg.Media.EnableVideo
	s.generation++
	gen := s.generation
	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancelPoll = cancel
	s.setStateLocked(domain.CallSearching)
	s.mu.Unlock()

	go s.poll(pollCtx, gen, userID)
	return nil
}

// CancelSearch stops an ongoing search and returns to idle. The caller's
// available row is intentionally left behind: only an explicit call end
// deletes session rows.
func (s *CallService) CancelSearch() {
	s.mu.Lock()
	if s.state != domain.CallSearching {
		s.mu.Unlock()
		return
	}
	s.stopPollLocked()
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	s.releaseEngine()
}

// HangUp ends the current call: leaves the channel, releases the engine and
// deletes both parties' session rows. Hanging up while searching cancels the
// search; hanging up while idle is a no-op.
func (s *CallService) HangUp(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case domain.CallIdle:
		s.mu.Unlock()
		return
	case domain.CallSearching:
		s.mu.Unlock()
		s.CancelSearch()
		return
	}
	userID := s.userID
	s.stopPollLocked()
	s.resetCallLocked()
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	s.teardown(userID)
	s.notify(domain.NoticeCallEnded, "Call ended")
}

// ToggleAudio flips the local microphone and returns the new on state.
func (s *CallService) ToggleAudio() (bool, error) {
	return s.toggle(&s.audioOn, s.engine.EnableLocalAudio)
}

// ToggleVideo flips the local camera and returns the new on state.
func (s *CallService) ToggleVideo() (bool, error) {
	return s.toggle(&s.videoOn, s.engine.EnableLocalVideo)
}

func (s *CallService) toggle(flag *bool, apply func(bool) error) (bool, error) {
	s.mu.Lock()
	if s.state == domain.CallIdle {
		s.mu.Unlock()
		return false, domain.ErrNoActiveCall
	}
	*flag = !*flag
	on := *flag
	s.mu.Unlock()

	if err := apply(on); err != nil {
		return on, err
	}
	return on, nil
}

// SwitchCamera flips between front and back camera.
func (s *CallService) SwitchCamera() error {
	s.mu.Lock()
	if s.state == domain.CallIdle {
		s.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	s.mu.Unlock()
	return s.engine.SwitchCamera()
}

// Close aborts whatever the lifecycle is doing and releases everything. Used
// on process shutdown so an interrupted call still cleans up.
func (s *CallService) Close() {
	s.mu.Lock()
	if s.state == domain.CallIdle {
		s.mu.Unlock()
		return
	}
	inCall := s.state.InCall()
	userID := s.userID
	s.stopPollLocked()
	s.resetCallLocked()
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	if inCall {
		s.teardown(userID)
	} else {
		s.releaseEngine()
	}
}

func (s *CallService) setupEngine() error {
	if err := s.engine.Init(s.cfg.AppID); err != nil {
		return err
	}
	if err := s.engine.EnableVideo(); err != nil {
		return err
	}
	if err := s.engine.EnableAudio(); err != nil {
		return err
	}
	if err := s.engine.EnableLocalAudio(s.cfg.Media.EnableAudio); err != nil {
		return err
	}
	if err := s.engine.EnableLocalVideo(s.cfg.Media.EnableVideo); err != nil {
		return err
	}
	return s.engine.StartPreview()
}

// poll retries the matcher until a match, a storage failure, the search
// timeout, or cancellation. gen ties every outcome back to the search that
// spawned it so a late result cannot touch a lifecycle that has moved on.
func (s *CallService) poll(ctx context.Context, gen uint64, userID domain.UserID) {
	deadline := time.NewTimer(s.cfg.SearchTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := s.matcher.FindMatch(ctx, userID)
		switch {
		case ctx.Err() != nil:
			if res != nil {
				// The claim landed after the search was cancelled; unwind it
				// so the candidate is not left waiting in a dead channel.
				s.discardMatch(userID, *res)
			}
			return
		case err != nil:
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Match attempt failed")
			s.abortSearch(gen)
			return
		case res != nil:
			s.acceptMatch(gen, userID, *res)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.timeoutSearch(gen)
			return
		case <-ticker.C:
		}
	}
}

func (s *CallService) acceptMatch(gen uint64, userID domain.UserID, res domain.MatchResult) {
	s.mu.Lock()
	if s.state != domain.CallSearching || s.generation != gen {
		s.mu.Unlock()
		s.discardMatch(userID, res)
		return
	}
	s.stopPollLocked()
	s.peer = res.Peer
	s.channel = res.Channel
	s.localUID = res.LocalUID
	s.setStateLocked(domain.CallConnecting)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := s.engine.JoinChannel(ctx, res.Channel, res.LocalUID); err != nil {
		log.Error().Err(err).Str("channel", res.Channel).Msg("Failed to join channel")
		s.failCall("Could not join the call")
		return
	}

	s.mu.Lock()
	stray := s.generation != gen || !s.state.InCall()
	s.mu.Unlock()
	if stray {
		// The lifecycle was torn down while the join was in flight; the
		// engine must not be left holding the channel.
		log.Warn().Str("channel", res.Channel).Msg("Releasing engine after torn-down join")
		s.releaseEngine()
	}
}

// discardMatch unwinds a pairing that was claimed on our behalf after the
// search had already moved on. Without this the stale peer would sit marked
// busy in a channel nobody joins.
func (s *CallService) discardMatch(userID domain.UserID, res domain.MatchResult) {
	log.Warn().Str("channel", res.Channel).Msg("Discarding stale match result")
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.matcher.ClearPairing(ctx, userID, res.Peer.UserID); err != nil {
		log.Error().Err(err).Str("channel", res.Channel).Msg("Failed to clear stale pairing")
	}
}

func (s *CallService) timeoutSearch(gen uint64) {
	s.mu.Lock()
	if s.state != domain.CallSearching || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.stopPollLocked()
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	// The available row stays: only an explicit call end deletes it.
	s.releaseEngine()
	s.notify(domain.NoticeNoMatch, "No users found. Try again later.")
}

func (s *CallService) abortSearch(gen uint64) {
	s.mu.Lock()
	if s.state != domain.CallSearching || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.stopPollLocked()
	s.setStateLocked(domain.CallError)
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	s.releaseEngine()
	s.notify(domain.NoticeStorageFailure, "Something went wrong. Please try again.")
}

// failCall moves any active call through error back to idle with a full
// teardown.
func (s *CallService) failCall(message string) {
	s.mu.Lock()
	if s.state == domain.CallIdle {
		s.mu.Unlock()
		return
	}
	userID := s.userID
	s.stopPollLocked()
	s.resetCallLocked()
	s.setStateLocked(domain.CallError)
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	s.teardown(userID)
	s.notify(domain.NoticeEngineFailure, message)
}

// OnJoinSuccess implements port.EngineHandler. The lifecycle stays in
// connecting until the peer shows up.
func (s *CallService) OnJoinSuccess(channel string, uid uint32) {
	log.Info().Str("channel", channel).Uint32("uid", uid).Msg("Joined channel")
}

// OnUserJoined implements port.EngineHandler.
func (s *CallService) OnUserJoined(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.CallConnecting {
		return
	}
	log.Info().Uint32("peer_uid", uid).Msg("Peer joined channel")
	s.setStateLocked(domain.CallConnected)
}

// OnUserOffline implements port.EngineHandler. A peer disconnect always ends
// the call; there is no reconnection.
func (s *CallService) OnUserOffline(uid uint32, reason string) {
	s.mu.Lock()
	if !s.state.InCall() {
		s.mu.Unlock()
		return
	}
	log.Info().Uint32("peer_uid", uid).Str("reason", reason).Msg("Peer left channel")
	userID := s.userID
	s.resetCallLocked()
	s.setStateLocked(domain.CallError)
	s.setStateLocked(domain.CallIdle)
	s.mu.Unlock()

	s.teardown(userID)
	s.notify(domain.NoticeCallEnded, "Your match left the call")
}

// OnError implements port.EngineHandler.
func (s *CallService) OnError(code int, message string) {
	err := &domain.EngineError{Code: code, Message: message}
	log.Error().Err(err).Msg("Engine reported error")
	s.failCall(message)
}

// teardown releases the engine and deletes both parties' session rows. Best
// effort and non short-circuiting: every step runs even if an earlier one
// fails.
func (s *CallService) teardown(userID domain.UserID) {
	s.releaseEngine()

	if userID.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.matcher.EndCall(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to clear session rows")
		s.notify(domain.NoticeStorageFailure, "Could not fully clean up the call")
	}
}

func (s *CallService) releaseEngine() {
	if err := s.engine.StopPreview(); err != nil {
		log.Error().Err(err).Msg("Failed to stop preview")
	}
	if err := s.engine.LeaveChannel(); err != nil {
		log.Error().Err(err).Msg("Failed to leave channel")
	}
	if err := s.engine.Release(); err != nil {
		log.Error().Err(err).Msg("Failed to release engine")
	}
}

func (s *CallService) stopPollLocked() {
	if s.cancelPoll != nil {
		s.cancelPoll()
		s.cancelPoll = nil
	}
}

func (s *CallService) resetCallLocked() {
	s.peer = domain.Profile{}
	s.channel = ""
	s.localUID = 0
}

// setStateLocked records the transition and pushes it to the gateway. The
// gateway must not block (see port.EventGateway).
func (s *CallService) setStateLocked(state domain.CallState) {
	if s.state == state {
		return
	}
	log.Debug().Str("from", string(s.state)).Str("to", string(state)).Msg("Call state changed")
	s.state = state
	if err := s.gateway.BroadcastState(context.Background(), state); err != nil {
		log.Error().Err(err).Msg("Failed to broadcast call state")
	}
}

func (s *CallService) notify(kind domain.NoticeKind, message string) {
	if err := s.gateway.Notify(context.Background(), kind, message); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to deliver notice")
	}
}
