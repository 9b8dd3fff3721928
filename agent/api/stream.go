package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"tangled.sh/tangled.sh/agent/broker"
	"tangled.sh/tangled.sh/agent/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const keepalive = 30 * time.Second

func (s *Server) CreationEvents(w http.ResponseWriter, r *http.Request) {
	stream(w, r, s.l.With("handler", "CreationEvents"), s.actions.CreationStream(), func(a *models.Action) any {
		return toDTO(a)
	})
}

func (s *Server) DeletionEvents(w http.ResponseWriter, r *http.Request) {
	stream(w, r, s.l.With("handler", "DeletionEvents"), s.actions.DeletionStream(), func(d *broker.Deletion) any {
		return d
	})
}

func (s *Server) StateEvents(w http.ResponseWriter, r *http.Request) {
	stream(w, r, s.l.With("handler", "StateEvents"), s.actions.StateStream(), func(e *models.StateEvent) any {
		return e
	})
}

// stream writes every value seen on sub as a JSON frame until the client
// goes away or the channel closes. Nil values mean nothing was sent yet.
func stream[T comparable](w http.ResponseWriter, r *http.Request, l *slog.Logger, sub *broker.Subscription[T], encode func(T) any) {
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("upgraded http to ws")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				l.Debug("client went away", "err", err)
				cancel()
				return
			}
		}
	}()

	var zero T
	for {
		waitCtx, waitCancel := context.WithTimeout(ctx, keepalive)
		v, err := sub.Next(waitCtx)
		waitCancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
			continue
		case errors.Is(err, broker.ErrChannelClosed):
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		default:
			l.Debug("stopping stream", "err", err)
			return
		}

		if v == zero {
			continue
		}
		if err := conn.WriteJSON(encode(v)); err != nil {
			l.Error("failed to write event", "err", err)
			return
		}
	}
}
