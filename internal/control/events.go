package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/awim/internal/observe"
)

// writeTimeout bounds a single event write to a websocket client.
const writeTimeout = 5 * time.Second

// events upgrades to a websocket and streams status events as JSON text
// messages. The client first receives the current port and running flag,
// then every change. Messages from the client are ignored.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the error response.
		observe.Logger(r.Context()).Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ch, cancel := s.mgr.Subscribe(s.buffer)
	defer cancel()

	// CloseRead discards client frames and cancels ctx once the client goes.
	ctx := conn.CloseRead(r.Context())
	s.mgr.TriggerCurrent()

	log := observe.Logger(ctx).With("remote", r.RemoteAddr)
	log.Debug("control: event client connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("control: event client disconnected")
			return
		case ev := <-ch:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					log.Warn("control: write event", "err", err)
				}
				return
			}
		}
	}
}
