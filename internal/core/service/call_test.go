package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibelink/callcore/internal/adapter/driven/persistence/memory"
	"github.com/vibelink/callcore/internal/core/domain"
	"github.com/vibelink/callcore/internal/core/port"
	"github.com/vibelink/callcore/internal/core/service"
)

const (
	testPollInterval  = 10 * time.Millisecond
	testSearchTimeout = 150 * time.Millisecond
	waitFor           = 2 * time.Second
	tick              = 5 * time.Millisecond
)

type fakeEngine struct {
	mu          sync.Mutex
	handler     port.EngineHandler
	calls       []string
	joinedChan  string
	joinedUID   uint32
	initErr     error
	joinErr     error
}

func (e *fakeEngine) record(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
}

func (e *fakeEngine) Init(appID string) error { e.record("init"); return e.initErr }

func (e *fakeEngine) SetHandler(h port.EngineHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *fakeEngine) EnableVideo() error { e.record("enable_video"); return nil }
func (e *fakeEngine) EnableAudio() error { e.record("enable_audio"); return nil }

func (e *fakeEngine) JoinChannel(ctx context.Context, channel string, uid uint32) error {
	e.mu.Lock()
	e.calls = append(e.calls, "join")
	e.joinedChan = channel
	e.joinedUID = uid
	err := e.joinErr
	e.mu.Unlock()
	return err
}

func (e *fakeEngine) LeaveChannel() error { e.record("leave"); return nil }
func (e *fakeEngine) StartPreview() error { e.record("start_preview"); return nil }
func (e *fakeEngine) StopPreview() error  { e.record("stop_preview"); return nil }

func (e *fakeEngine) EnableLocalAudio(enabled bool) error {
	e.record("enable_local_audio")
	return nil
}

func (e *fakeEngine) EnableLocalVideo(enabled bool) error { e.record("enable_local_video"); return nil }
func (e *fakeEngine) SwitchCamera() error                 { e.record("switch_camera"); return nil }
func (e *fakeEngine) Release() error                      { e.record("release"); return nil }

func (e *fakeEngine) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (e *fakeEngine) joined() (string, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joinedChan, e.joinedUID
}

type fakeGateway struct {
	mu      sync.Mutex
	states  []domain.CallState
	notices []domain.NoticeKind
}

func (g *fakeGateway) BroadcastState(ctx context.Context, state domain.CallState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states = append(g.states, state)
	return nil
}

func (g *fakeGateway) Notify(ctx context.Context, kind domain.NoticeKind, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notices = append(g.notices, kind)
	return nil
}

func (g *fakeGateway) sawNotice(kind domain.NoticeKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range g.notices {
		if k == kind {
			return true
		}
	}
	return false
}

func (g *fakeGateway) sawState(state domain.CallState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.states {
		if s == state {
			return true
		}
	}
	return false
}

type fakeIdentity struct{ id domain.UserID }

func (f fakeIdentity) CurrentUser(ctx context.Context) (domain.UserID, error) {
	if f.id.IsZero() {
		return domain.UserID{}, domain.ErrNotAuthenticated
	}
	return f.id, nil
}

type fakePerms struct{ err error }

func (f fakePerms) Request(ctx context.Context) error { return f.err }

type lifecycle struct {
	svc     *service.CallService
	repo    *memory.SessionRepository
	engine  *fakeEngine
	gateway *fakeGateway
	userID  domain.UserID
}

func newLifecycle(t *testing.T, sessions port.SessionRepository, permErr error) *lifecycle {
	return newLifecycleWithEngine(t, sessions, &fakeEngine{}, permErr)
}

func newLifecycleWithEngine(t *testing.T, sessions port.SessionRepository, engine port.Engine, permErr error) *lifecycle {
	t.Helper()
	repo, _ := sessions.(*memory.SessionRepository)
	gateway := &fakeGateway{}
	userID := domain.NewUserID()

	svc := service.NewCallService(
		service.NewMatchService(sessions),
		engine,
		fakeIdentity{id: userID},
		fakePerms{err: permErr},
		gateway,
		service.CallConfig{
			AppID:         "test-app",
			PollInterval:  testPollInterval,
			SearchTimeout: testSearchTimeout,
		},
	)
	t.Cleanup(svc.Close)

	fake, _ := engine.(*fakeEngine)
	return &lifecycle{svc: svc, repo: repo, engine: fake, gateway: gateway, userID: userID}
}

func (lc *lifecycle) connect(t *testing.T, peer domain.UserID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, lc.repo.Upsert(ctx, domain.NewSession(peer, domain.StatusAvailable)))
	require.NoError(t, lc.svc.StartSearch(ctx))

	require.Eventually(t, func() bool {
		return lc.svc.State() == domain.CallConnecting
	}, waitFor, tick)

	lc.svc.OnUserJoined(7)
	require.Equal(t, domain.CallConnected, lc.svc.State())
}

func TestStartSearch_PermissionDenied(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), domain.ErrPermissionDenied)

	err := lc.svc.StartSearch(context.Background())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	require.Equal(t, domain.CallIdle, lc.svc.State())
	require.True(t, lc.gateway.sawNotice(domain.NoticePermissionDenied))

	// No engine call happens on a denied permission.
	require.Zero(t, lc.engine.count("init"))
}

func TestStartSearch_WhileSearchingRejected(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)

	require.NoError(t, lc.svc.StartSearch(context.Background()))
	require.ErrorIs(t, lc.svc.StartSearch(context.Background()), domain.ErrCallInProgress)
}

func TestSearch_TimeoutReturnsToIdle(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)

	require.NoError(t, lc.svc.StartSearch(context.Background()))
	require.Equal(t, domain.CallSearching, lc.svc.State())

	require.Eventually(t, func() bool {
		return lc.svc.State() == domain.CallIdle
	}, waitFor, tick)

	require.True(t, lc.gateway.sawNotice(domain.NoticeNoMatch))
	require.GreaterOrEqual(t, lc.engine.count("release"), 1)

	// Known wart: the timed-out searcher's row stays available because only
	// an explicit call end deletes it.
	row, err := lc.repo.Get(context.Background(), lc.userID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAvailable, row.Status)
}

type countingRepo struct {
	*memory.SessionRepository
	mu    sync.Mutex
	finds int
}

func (r *countingRepo) FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error) {
	r.mu.Lock()
	r.finds++
	r.mu.Unlock()
	return r.SessionRepository.FindAvailable(ctx, exclude)
}

func (r *countingRepo) findCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finds
}

func TestCancelSearch_StopsPolling(t *testing.T) {
	repo := &countingRepo{SessionRepository: memory.NewSessionRepository()}
	lc := newLifecycle(t, repo, nil)

	require.NoError(t, lc.svc.StartSearch(context.Background()))
	require.Eventually(t, func() bool { return repo.findCount() >= 2 }, waitFor, tick)

	lc.svc.CancelSearch()
	require.Equal(t, domain.CallIdle, lc.svc.State())

	settled := repo.findCount()
	time.Sleep(5 * testPollInterval)
	require.Equal(t, settled, repo.findCount(), "no match attempt may fire after the search was cancelled")

	require.GreaterOrEqual(t, lc.engine.count("release"), 1)
}

type blockingRepo struct {
	*memory.SessionRepository
	proceed chan struct{}
	once    sync.Once
}

func (r *blockingRepo) FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error) {
	r.once.Do(func() { <-r.proceed })
	return r.SessionRepository.FindAvailable(ctx, exclude)
}

func TestCancelSearch_StaleMatchDoesNotConnect(t *testing.T) {
	repo := &blockingRepo{
		SessionRepository: memory.NewSessionRepository(),
		proceed:           make(chan struct{}),
	}
	lc := newLifecycle(t, repo, nil)

	peer := domain.NewUserID()
	require.NoError(t, repo.SessionRepository.Upsert(context.Background(), domain.NewSession(peer, domain.StatusAvailable)))

	require.NoError(t, lc.svc.StartSearch(context.Background()))
	lc.svc.CancelSearch()
	require.Equal(t, domain.CallIdle, lc.svc.State())

	// Unblock the in-flight match attempt; its result is stale now.
	close(repo.proceed)

	time.Sleep(5 * testPollInterval)
	require.Equal(t, domain.CallIdle, lc.svc.State())
	require.Zero(t, lc.engine.count("join"))

	// The stale pairing rows are cleared so the peer is not left stranded
	// busy in a channel nobody joins.
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := repo.SessionRepository.Get(ctx, peer)
		return errors.Is(err, domain.ErrNotFound)
	}, waitFor, tick)
	_, err := repo.SessionRepository.Get(ctx, lc.userID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

type blockingJoinEngine struct {
	*fakeEngine
	gate chan struct{}
}

func (e *blockingJoinEngine) JoinChannel(ctx context.Context, channel string, uid uint32) error {
	err := e.fakeEngine.JoinChannel(ctx, channel, uid)
	<-e.gate
	return err
}

func TestHangUp_DuringJoinReleasesEngine(t *testing.T) {
	inner := &fakeEngine{}
	eng := &blockingJoinEngine{fakeEngine: inner, gate: make(chan struct{})}
	lc := newLifecycleWithEngine(t, memory.NewSessionRepository(), eng, nil)

	ctx := context.Background()
	peer := domain.NewUserID()
	require.NoError(t, lc.repo.Upsert(ctx, domain.NewSession(peer, domain.StatusAvailable)))
	require.NoError(t, lc.svc.StartSearch(ctx))

	require.Eventually(t, func() bool { return inner.count("join") == 1 }, waitFor, tick)

	// Tear the call down while the join is still in flight. The join will
	// still succeed once unblocked, so the engine must be released again.
	lc.svc.HangUp(ctx)
	require.Equal(t, domain.CallIdle, lc.svc.State())
	released := inner.count("release")

	close(eng.gate)

	require.Eventually(t, func() bool { return inner.count("release") > released }, waitFor, tick)
	require.Equal(t, domain.CallIdle, lc.svc.State())
	require.Greater(t, inner.count("leave"), 1)
}

func TestMatchFound_JoinsChannelAndConnects(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)
	peer := domain.NewUserID()

	lc.connect(t, peer)

	channel, _ := lc.engine.joined()
	require.NotEmpty(t, channel)
	require.Equal(t, peer, lc.svc.Peer().UserID)

	row, err := lc.repo.Get(context.Background(), lc.userID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusBusy, row.Status)
	require.Equal(t, channel, row.ChannelName)
	require.True(t, lc.gateway.sawState(domain.CallConnecting))
	require.True(t, lc.gateway.sawState(domain.CallConnected))
}

func TestHangUp_TearsEverythingDown(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)
	peer := domain.NewUserID()
	lc.connect(t, peer)

	lc.svc.HangUp(context.Background())

	require.Equal(t, domain.CallIdle, lc.svc.State())
	require.GreaterOrEqual(t, lc.engine.count("leave"), 1)
	require.GreaterOrEqual(t, lc.engine.count("release"), 1)
	require.True(t, lc.gateway.sawNotice(domain.NoticeCallEnded))

	ctx := context.Background()
	_, err := lc.repo.Get(ctx, lc.userID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = lc.repo.Get(ctx, peer)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHangUp_TwiceIsIdempotent(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)
	lc.connect(t, domain.NewUserID())

	lc.svc.HangUp(context.Background())
	lc.svc.HangUp(context.Background())
	require.Equal(t, domain.CallIdle, lc.svc.State())
}

func TestPeerLeft_EndsCall(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)
	peer := domain.NewUserID()
	lc.connect(t, peer)

	lc.svc.OnUserOffline(7, "quit")

	require.Equal(t, domain.CallIdle, lc.svc.State())
	require.True(t, lc.gateway.sawState(domain.CallError))
	require.True(t, lc.gateway.sawNotice(domain.NoticeCallEnded))
	require.GreaterOrEqual(t, lc.engine.count("release"), 1)

	_, err := lc.repo.Get(context.Background(), lc.userID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngineError_EndsCall(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)
	lc.connect(t, domain.NewUserID())

	lc.svc.OnError(1027, "token expired")

	require.Equal(t, domain.CallIdle, lc.svc.State())
	require.True(t, lc.gateway.sawState(domain.CallError))
	require.True(t, lc.gateway.sawNotice(domain.NoticeEngineFailure))
	require.GreaterOrEqual(t, lc.engine.count("release"), 1)
}

type failingRepo struct {
	*memory.SessionRepository
}

func (r *failingRepo) FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error) {
	return domain.Profile{}, errors.New("connection refused")
}

func TestSearch_StorageFailureAborts(t *testing.T) {
	repo := &failingRepo{SessionRepository: memory.NewSessionRepository()}
	lc := newLifecycle(t, repo, nil)

	require.NoError(t, lc.svc.StartSearch(context.Background()))

	require.Eventually(t, func() bool {
		return lc.svc.State() == domain.CallIdle
	}, waitFor, tick)

	require.True(t, lc.gateway.sawState(domain.CallError))
	require.True(t, lc.gateway.sawNotice(domain.NoticeStorageFailure))
}

func TestToggleAudio(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)

	_, err := lc.svc.ToggleAudio()
	require.ErrorIs(t, err, domain.ErrNoActiveCall)

	lc.connect(t, domain.NewUserID())

	on, err := lc.svc.ToggleAudio()
	require.NoError(t, err)
	require.False(t, on, "defaults start with audio on, first toggle mutes")

	on, err = lc.svc.ToggleAudio()
	require.NoError(t, err)
	require.True(t, on)
}

func TestSwitchCamera_RequiresActiveCall(t *testing.T) {
	lc := newLifecycle(t, memory.NewSessionRepository(), nil)

	require.ErrorIs(t, lc.svc.SwitchCamera(), domain.ErrNoActiveCall)

	lc.connect(t, domain.NewUserID())
	require.NoError(t, lc.svc.SwitchCamera())
	require.Equal(t, 1, lc.engine.count("switch_camera"))
}
