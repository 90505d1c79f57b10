package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"geopub/internal/eventbus"
	logx "geopub/pkg/logx"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = wsPongWait * 9 / 10
)

// liveMessage is one frame on the live channel.
type liveMessage struct {
	Type eventbus.Kind `json:"type"`
	Data any           `json:"data"`
	Time time.Time     `json:"time"`
}

// encodeLive maps an event to its frame. Worker pool lifecycle events stay
// internal.
func encodeLive(ev eventbus.Event) (liveMessage, bool, error) {
	msg := liveMessage{Type: ev.Kind, Time: ev.Time}
	switch p := ev.Payload.(type) {
	case eventbus.PublishProgress:
		msg.Data = p
	case eventbus.AccountCheckProgress:
		msg.Data = p
	case eventbus.AccountCheckComplete:
		msg.Data = p.Summary
	case eventbus.AuthComplete:
		msg.Data = gin.H{"session": newAuthStatusView(p.Session), "account": p.Account}
	case eventbus.TaskLifecycle:
		return liveMessage{}, false, nil
	default:
		return liveMessage{}, false, eventbus.UnknownPayloadError{Kind: ev.Kind, Payload: ev.Payload}
	}
	return msg, true, nil
}

func (s *Server) handleWS(c *gin.Context) {
	if s.d.Bus == nil {
		reject(c, http.StatusServiceUnavailable, "live channel unavailable")
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()
	events, unsub := s.d.Bus.Subscribe(s.cfg.WSBuffer)
	defer unsub()

	log := s.log.With(logx.String("remote", c.ClientIP()))
	log.Debug("live client connected")
	defer log.Debug("live client disconnected")

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-gone:
			return
		case ev, open := <-events:
			if !open {
				return
			}
			msg, send, err := encodeLive(ev)
			if err != nil {
				log.Warn("event not forwarded", logx.Err(err))
				continue
			}
			if !send {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed. gone is closed when the connection fails or the client leaves.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
