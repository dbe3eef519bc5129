package httpserver

import (
	"net/http"
	"strings"
	"time"

	"lv-tradedesk/internal/events"
	"lv-tradedesk/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// EventSource is the subscription side of the event bus.
type EventSource interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// WSHandler streams a user's position, settlement and wallet events.
type WSHandler struct {
	bus      EventSource
	tokens   TokenParser
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewWSHandler(bus EventSource, tokens TokenParser, origin string, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		bus:    bus,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// browsers cannot set headers on a websocket handshake
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.tokens.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
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
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	h.logger.Debug().Str("user_id", userID).Msg("client connected")
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if !evt.For(userID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.logger.Debug().Str("user_id", userID).Msg("client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}
