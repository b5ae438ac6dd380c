package http_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vibelink/callcore/internal/adapter/driven/auth"
	"github.com/vibelink/callcore/internal/adapter/driven/gateway/ws"
	"github.com/vibelink/callcore/internal/adapter/driven/persistence/memory"
	handler "github.com/vibelink/callcore/internal/adapter/driving/http"
	"github.com/vibelink/callcore/internal/core/domain"
	"github.com/vibelink/callcore/internal/core/port"
	"github.com/vibelink/callcore/internal/core/service"
)

type nopEngine struct{}

func (nopEngine) Init(string) error                              { return nil }
func (nopEngine) SetHandler(port.EngineHandler)                  {}
func (nopEngine) EnableVideo() error                             { return nil }
func (nopEngine) EnableAudio() error                             { return nil }
func (nopEngine) JoinChannel(context.Context, string, uint32) error { return nil }
func (nopEngine) LeaveChannel() error                            { return nil }
func (nopEngine) StartPreview() error                            { return nil }
func (nopEngine) StopPreview() error                             { return nil }
func (nopEngine) EnableLocalAudio(bool) error                    { return nil }
func (nopEngine) EnableLocalVideo(bool) error                    { return nil }
func (nopEngine) SwitchCamera() error                            { return nil }
func (nopEngine) Release() error                                 { return nil }

func dialControlSurface(t *testing.T) *websocket.Conn {
	t.Helper()

	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	perms := handler.NewPermissions()
	callService := service.NewCallService(
		service.NewMatchService(memory.NewSessionRepository()),
		nopEngine{},
		auth.NewStatic(domain.NewUserID()),
		perms,
		hub,
		service.CallConfig{PollInterval: 20 * time.Millisecond, SearchTimeout: 10 * time.Second},
	)
	t.Cleanup(callService.Close)

	h := handler.NewHandler(callService, hub, perms)
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]interface{}) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg), "expected event did not arrive")
		if match(msg) {
			return
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestControlSurface_SendsStateSnapshotOnConnect(t *testing.T) {
	conn := dialControlSurface(t)

	readUntil(t, conn, func(msg map[string]interface{}) bool {
		return msg["event"] == "call_state" && msg["state"] == "idle"
	})
}

func TestControlSurface_PermissionDeniedNotice(t *testing.T) {
	conn := dialControlSurface(t)

	// Permission defaults to denied until the app reports a grant.
	send(t, conn, map[string]interface{}{"type": "start_search"})

	readUntil(t, conn, func(msg map[string]interface{}) bool {
		return msg["event"] == "notice" && msg["kind"] == "permission_denied"
	})
}

func TestControlSurface_SearchLifecycle(t *testing.T) {
	conn := dialControlSurface(t)

	send(t, conn, map[string]interface{}{"type": "permission_update", "granted": true})
	send(t, conn, map[string]interface{}{"type": "start_search"})

	readUntil(t, conn, func(msg map[string]interface{}) bool {
		return msg["event"] == "call_state" && msg["state"] == "searching"
	})

	send(t, conn, map[string]interface{}{"type": "cancel_search"})

	readUntil(t, conn, func(msg map[string]interface{}) bool {
		return msg["event"] == "call_state" && msg["state"] == "idle"
	})
}
