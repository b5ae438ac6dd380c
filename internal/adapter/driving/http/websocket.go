package http

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vibelink/callcore/internal/core/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origin once the app ships a fixed scheme
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSClient struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) SendState(state domain.CallState) error {
	return c.writeJSON(map[string]interface{}{
		"event": "call_state",
		"state": string(state),
	})
}

func (c *WSClient) SendNotice(kind domain.NoticeKind, message string) error {
	return c.writeJSON(map[string]interface{}{
		"event":   "notice",
		"kind":    string(kind),
		"message": message,
	})
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func (c *WSClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   uuid.New().String(),
		conn: conn,
	}

	l := log.With().Str("client_id", client.id).Logger()
	l.Info().Msg("App connected to call control surface")

	h.Hub.Register(client)

	// Snapshot so a reconnecting app knows where the lifecycle stands.
	if err := client.SendState(h.CallService.State()); err != nil {
		l.Error().Err(err).Msg("Failed to send state snapshot")
	}

	defer func() {
		l.Info().Msg("App disconnected from call control surface")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	for {
		type commandDTO struct {
			Type    string `json:"type"`
			Granted bool   `json:"granted"`
		}

		var cmd commandDTO
		err := conn.ReadJSON(&cmd)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		switch cmd.Type {
		case "permission_update":
			h.Permissions.SetGranted(cmd.Granted)

		case "start_search":
			if err := h.CallService.StartSearch(r.Context()); err != nil {
				// The lifecycle already pushed a user-facing notice.
				l.Warn().Err(err).Msg("Search not started")
			}

		case "cancel_search":
			h.CallService.CancelSearch()

		case "hang_up":
			h.CallService.HangUp(r.Context())

		case "toggle_audio":
			on, err := h.CallService.ToggleAudio()
			if err != nil {
				l.Warn().Err(err).Msg("Toggle audio rejected")
				continue
			}
			h.sendMediaState(client, "audio", on, l)

		case "toggle_video":
			on, err := h.CallService.ToggleVideo()
			if err != nil {
				l.Warn().Err(err).Msg("Toggle video rejected")
				continue
			}
			h.sendMediaState(client, "video", on, l)

		case "switch_camera":
			if err := h.CallService.SwitchCamera(); err != nil {
				l.Warn().Err(err).Msg("Switch camera rejected")
			}

		default:
			l.Warn().Str("type", cmd.Type).Msg("Unknown command")
		}
	}
}

func (h *Handler) sendMediaState(client *WSClient, kind string, enabled bool, l zerolog.Logger) {
	if err := client.writeJSON(map[string]interface{}{
		"event":   "media",
		"kind":    kind,
		"enabled": enabled,
	}); err != nil {
		l.Error().Err(err).Msg("Failed to send media state")
	}
}
