package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"availability-backend/internal/broadcast"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is a frame sent by a live subscriber. Only "filter" is understood.
type clientMessage struct {
	Type   string           `json:"type"`
	Filter broadcast.Filter `json:"filter"`
}

// ServeWS handles GET /ws. The initial filter comes from the site, category
// and device query parameters and can be replaced later with a filter frame.
func (h *Handler) ServeWS(c *gin.Context) {
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	conn := broadcast.NewWebSocketConn(raw, h.wsTimeout)
	id := h.hub.Register(conn, broadcast.FilterFromQuery(c.Request.URL.Query()))
	defer h.hub.Deregister(id)

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(conn, id, done)

	raw.SetReadLimit(maxFrameSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", id).Msg("websocket read failed")
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "filter" {
			log.Debug().Str("conn_id", id).Msg("ignoring unrecognised websocket frame")
			continue
		}
		if err := h.hub.UpdateFilter(id, msg.Filter); err != nil {
			return
		}
	}
}

func (h *Handler) keepAlive(conn *broadcast.WebSocketConn, id string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				h.hub.Deregister(id)
				return
			}
		}
	}
}
