package ws

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/vibelink/callcore/internal/core/domain"
)

type event struct {
	state   domain.CallState
	kind    domain.NoticeKind
	message string
	notice  bool
}

// implements port.EventGateway
type Hub struct {
	clients    map[Client]bool
	events     chan event
	register   chan Client
	unregister chan Client
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[Client]bool),
		events:     make(chan event, 16),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) BroadcastState(ctx context.Context, state domain.CallState) error {
	select {
	case h.events <- event{state: state}:
	default:
		log.Warn().Str("state", string(state)).Msg("Event channel full, dropping state update")
	}
	return nil
}

func (h *Hub) Notify(ctx context.Context, kind domain.NoticeKind, message string) error {
	select {
	case h.events <- event{kind: kind, message: message, notice: true}:
	default:
		log.Warn().Str("kind", string(kind)).Msg("Event channel full, dropping notice")
	}
	return nil
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Info().Str("client_id", client.ID()).Msg("Client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
			}

		case ev := <-h.events:
			for client := range h.clients {
				var err error
				if ev.notice {
					err = client.SendNotice(ev.kind, ev.message)
				} else {
					err = client.SendState(ev.state)
				}
				if err != nil {
					log.Error().Err(err).Str("client_id", client.ID()).Msg("Error sending event")
					client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) Register(c Client) {
	h.register <- c
}

func (h *Hub) Unregister(c Client) {
	h.unregister <- c
}

func (h *Hub) Stop() {
	close(h.quit)
}
