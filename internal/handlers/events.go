package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tzfun/etcd-workbench/internal/events"
)

const (
	eventBuffer       = 256
	eventWriteTimeout = 10 * time.Second
)

type focusRequest struct {
	Focused bool `json:"focused"`
}

// Events streams bus events over a websocket.
//
// Query parameters:
//   - session: (optional) only forward events of that session. The recent
//     events of the session are replayed first.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	sessionID, err := queryInt(r, "session", 0)
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ch, cancel := a.Bus.Subscribe(eventBuffer)
	defer cancel()

	if sessionID != 0 {
		for _, e := range a.Bus.Recent(sessionID) {
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if sessionID != 0 && e.SessionID != sessionID {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// SetFocus records whether the UI window has focus. Key change
// notifications are only raised while it does not.
func (a *API) SetFocus(w http.ResponseWriter, r *http.Request) {
	var body focusRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a.Notifier.SetFocused(body.Focused)
	writeJSON(w, http.StatusOK, body)
}
