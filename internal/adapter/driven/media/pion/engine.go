package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/vibelink/callcore/internal/core/port"
)

const pliInterval = 3 * time.Second

// Engine implements port.Engine over a pion PeerConnection negotiated with
// the call SFU through its websocket signaling endpoint. Media capture and
// rendering stay with the app; the engine joins the channel as a receiving
// participant, observes peer presence, and relays media-control intents
// (mute, camera switch) over the signaling channel.
type Engine struct {
	signalURL string

	mu          sync.Mutex
	handler     port.EngineHandler
	api         *webrtc.API
	pc          *webrtc.PeerConnection
	conn        *websocket.Conn
	appID       string
	channel     string
	localUID    uint32
	audioKind   bool
	videoKind   bool
	previewing  bool
	initialized bool
	closing     bool
}

func NewEngine(signalURL string) *Engine {
	return &Engine{signalURL: signalURL}
}

func (e *Engine) Init(appID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	e.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	e.appID = appID
	e.initialized = true
	return nil
}

func (e *Engine) SetHandler(h port.EngineHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Engine) EnableVideo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoKind = true
	return nil
}

func (e *Engine) EnableAudio() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioKind = true
	return nil
}

func (e *Engine) JoinChannel(ctx context.Context, channel string, uid uint32) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return errors.New("engine not initialized")
	}
	if e.conn != nil {
		e.mu.Unlock()
		return errors.New("already in a channel")
	}
	api := e.api
	audio, video := e.audioKind, e.videoKind
	url := fmt.Sprintf("%s?app_id=%s&channel=%s&uid=%d", e.signalURL, e.appID, channel, uid)
	e.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		conn.Close()
		return err
	}

	// RecvOnly transceivers so the offer carries m= sections for both kinds
	// even though this side publishes nothing itself.
	if audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			conn.Close()
			pc.Close()
			return err
		}
	}
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			conn.Close()
			pc.Close()
			return err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := e.send(signalMessage{Type: "candidate", Payload: c.ToJSON().Candidate}); err != nil {
			log.Error().Err(err).Msg("Failed to send ICE candidate")
		}
	})

	pc.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Debug().Str("kind", remoteTrack.Kind().String()).Str("channel", channel).Msg("Received remote track")
		go e.drainTrack(remoteTrack)
		if remoteTrack.Kind() == webrtc.RTPCodecTypeVideo {
			go e.keyframeLoop(pc, remoteTrack)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("state", state.String()).Str("channel", channel).Msg("Peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed {
			e.emitError(0, "media transport failed")
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		conn.Close()
		pc.Close()
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.pc = pc
	e.channel = channel
	e.localUID = uid
	e.closing = false
	e.mu.Unlock()

	if err := e.send(signalMessage{Type: "join", Channel: channel, UID: uid, Payload: offer.SDP}); err != nil {
		e.LeaveChannel()
		return err
	}

	go e.readLoop(conn, pc, channel, uid)
	return nil
}

func (e *Engine) LeaveChannel() error {
	e.mu.Lock()
	conn, pc := e.conn, e.pc
	e.conn, e.pc = nil, nil
	e.channel = ""
	e.closing = true
	e.mu.Unlock()

	if conn == nil && pc == nil {
		return nil
	}
	if conn != nil {
		// Best effort goodbye so the SFU can notify the peer promptly.
		_ = conn.WriteJSON(signalMessage{Type: "leave"})
		conn.Close()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (e *Engine) StartPreview() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errors.New("engine not initialized")
	}
	// Rendering happens in the app layer; the engine only tracks the state.
	e.previewing = true
	return nil
}

func (e *Engine) StopPreview() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.previewing = false
	return nil
}

func (e *Engine) EnableLocalAudio(enabled bool) error {
	return e.mediaControl("audio", enabled)
}

func (e *Engine) EnableLocalVideo(enabled bool) error {
	return e.mediaControl("video", enabled)
}

func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	joined := e.conn != nil
	e.mu.Unlock()
	if !joined {
		return nil
	}
	return e.send(signalMessage{Type: "switch_camera"})
}

func (e *Engine) Release() error {
	err := e.LeaveChannel()

	e.mu.Lock()
	e.api = nil
	e.initialized = false
	e.previewing = false
	e.audioKind = false
	e.videoKind = false
	e.mu.Unlock()
	return err
}

func (e *Engine) mediaControl(kind string, enabled bool) error {
	e.mu.Lock()
	joined := e.conn != nil
	e.mu.Unlock()
	if !joined {
		// Applied capture-side before joining; nothing to relay yet.
		return nil
	}
	return e.send(signalMessage{Type: "media", Kind: kind, Enabled: enabled})
}

type signalMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
	Payload string `json:"payload,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func (e *Engine) send(msg signalMessage) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errors.New("not connected to signaling")
	}
	return conn.WriteJSON(msg)
}

func (e *Engine) readLoop(conn *websocket.Conn, pc *webrtc.PeerConnection, channel string, uid uint32) {
	for {
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			e.mu.Lock()
			closing := e.closing
			e.mu.Unlock()
			if !closing {
				log.Error().Err(err).Str("channel", channel).Msg("Signaling connection lost")
				e.emitError(0, "signaling connection lost")
			}
			return
		}

		switch msg.Type {
		case "joined":
			e.emit(func(h port.EngineHandler) { h.OnJoinSuccess(channel, uid) })
		case "answer":
			desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Payload}
			if err := pc.SetRemoteDescription(desc); err != nil {
				log.Error().Err(err).Msg("Failed to apply answer")
			}
		case "candidate":
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Payload}); err != nil {
				log.Error().Err(err).Msg("Failed to add ICE candidate")
			}
		case "peer_joined":
			e.emit(func(h port.EngineHandler) { h.OnUserJoined(msg.UID) })
		case "peer_left":
			e.emit(func(h port.EngineHandler) { h.OnUserOffline(msg.UID, msg.Reason) })
		case "error":
			e.emitError(msg.Code, msg.Payload)
		default:
			log.Warn().Str("type", msg.Type).Msg("Unknown signaling message")
		}
	}
}

func (e *Engine) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("Remote track closed")
			}
			return
		}
	}
}

// keyframeLoop asks the sender for a keyframe immediately and then every few
// seconds so a late-joining viewer gets a decodable picture.
func (e *Engine) keyframeLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	sendPLI := func() {
		if err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			// Benign on a closed connection.
			return
		}
	}

	sendPLI()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		sendPLI()
	}
}

func (e *Engine) emit(fn func(port.EngineHandler)) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

func (e *Engine) emitError(code int, message string) {
	e.emit(func(h port.EngineHandler) { h.OnError(code, message) })
}
