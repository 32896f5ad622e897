package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/room"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// Authorizer admits a (roomId, pin) pair. *room.Registry satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, roomID, pin string) (*room.Record, error)
}

type Handler struct {
	hub         *Hub
	auth        Authorizer
	authTimeout time.Duration
	sendBuffer  int
	logger      zerolog.Logger
	metrics     *metrics.RelayMetrics
	upgrader    websocket.Upgrader
	now         func() time.Time
}

func NewHandler(hub *Hub, auth Authorizer, cfg config.Config, logger zerolog.Logger, m *metrics.RelayMetrics) *Handler {
	timeout := cfg.RelayAuthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		hub:         hub,
		auth:        auth,
		authTimeout: timeout,
		sendBuffer:  cfg.RelaySendBuffer,
		logger:      logger.With().Str("component", "relay").Logger(),
		metrics:     m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// room id + PIN is the credential; browsers connect from the app origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Nothing touches room state until the first frame authenticates.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	rec, err := h.authenticate(r.Context(), conn)
	if err != nil {
		if errors.Is(err, room.ErrAuth) {
			h.metrics.ObserveAuth("rejected")
			h.closeWith(conn, CloseAuthFailed, room.ErrAuth.Error())
			return
		}
		h.metrics.ObserveAuth("error")
		h.logger.Error().Err(err).Msg("room authorization failed")
		h.closeWith(conn, websocket.CloseInternalServerErr, "authorization unavailable")
		return
	}
	h.metrics.ObserveAuth("ok")

	client := NewClient(uuid.NewString(), rec.Video.RoomID, h.sendBuffer)
	log := h.logger.With().
		Str("room_id", client.RoomID).
		Str("peer_id", client.ID).
		Str("booking_no", rec.BookingNo).
		Logger()

	h.metrics.ConnOpened()
	defer h.metrics.ConnClosed()

	peers := h.hub.Join(client)
	log.Info().Int("peers", len(peers)).Msg("peer joined room")

	go h.writePump(conn, client)
	h.readPump(conn, client, log)

	log.Info().Msg("peer left room")
}

// authenticate reads the first frame under the auth deadline. Every way the
// frame can be wrong maps to room.ErrAuth.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (*room.Record, error) {
	_ = conn.SetReadDeadline(h.now().Add(h.authTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, room.ErrAuth
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, room.ErrAuth
	}
	creds, ok := decodeAuth(env)
	if !ok {
		return nil, room.ErrAuth
	}

	authCtx, cancel := context.WithTimeout(ctx, h.authTimeout)
	defer cancel()
	return h.auth.Authorize(authCtx, creds.RoomID, creds.PIN)
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, h.now().Add(writeWait))
	_ = conn.Close()
}

func (h *Handler) readPump(conn *websocket.Conn, c *Client, log zerolog.Logger) {
	defer func() {
		h.hub.Leave(c)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(h.now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(h.now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("socket closed unexpectedly")
			}
			return
		}
		h.route(c, raw, log)
	}
}

// route validates one inbound frame and forwards it to the other members.
// Malformed frames are dropped; the connection stays up.
func (h *Handler) route(c *Client, raw []byte, log zerolog.Logger) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		h.metrics.ObserveFrame("unknown", "invalid")
		log.Warn().Int("bytes", len(raw)).Msg("dropping malformed frame")
		return
	}

	var (
		label   = env.Type
		outType = env.Type
		frame   []byte
	)
	switch env.Type {
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		if err = validateSignal(env); err == nil {
			frame, err = encode(env.Type, c.ID, env.Data)
		}
	case TypeChatSend:
		var chat ChatSendData
		if chat, err = decodeChat(env); err == nil {
			outType = TypeChatMessage
			frame, err = encode(TypeChatMessage, c.ID, ChatMessageData{
				Text:        chat.Text,
				DisplayName: chat.DisplayName,
				TS:          h.now().UnixMilli(),
			})
		}
	case TypeChatTyping:
		var typing TypingData
		if typing, err = decodeTyping(env); err == nil {
			frame, err = encode(TypeChatTyping, c.ID, typing)
		}
	default:
		label = "unknown"
		err = errMalformed
	}
	if err != nil {
		h.metrics.ObserveFrame(label, "invalid")
		log.Warn().Str("type", env.Type).Msg("dropping invalid frame")
		return
	}

	h.hub.Forward(c, outType, frame)
}

func (h *Handler) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = conn.SetWriteDeadline(h.now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(h.now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
