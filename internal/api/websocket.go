package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, err
	}
	return c, r.Context(), nil
}

// StreamEvents sends the current state, then every state event, as JSON text
// messages until the client goes away or the service shuts down.
func StreamEvents(s *Service, w http.ResponseWriter, r *http.Request) {
	c, ctx, err := accept(w, r)
	if err != nil {
		log.WithError(err).Error("Failed to accept WebSocket client")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	clientID := uuid.New().String()
	logger := log.WithFields(log.Fields{
		"client": clientID,
		"remote": r.RemoteAddr,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsub := s.state.Subscribe()
	defer unsub()

	logger.Info("WebSocket client subscribed to state events")
	defer logger.Info("WebSocket client unsubscribed")

	// The client never sends anything; reading surfaces its close.
	go func() {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "service stopping")
				return
			}

			b, err := json.Marshal(ev)
			if err != nil {
				logger.WithError(err).Error("Failed to encode state event")
				return
			}

			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(writeCtx, websocket.MessageText, b)
			writeCancel()
			if err != nil {
				logger.WithError(err).Debug("WebSocket write failed")
				return
			}

			logger.WithFields(log.Fields{
				"seq":    ev.Seq,
				"deltas": len(ev.Deltas),
			}).Trace("Sent state event")
		}
	}
}
