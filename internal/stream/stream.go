// Package stream serves live risk-event subscriptions over websockets.
package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trove-guardian/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// OriginChecker allows a fixed set of browser origins. Requests without an Origin
// header (non-browser clients) are always allowed.
type OriginChecker struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginChecker treats an empty list or "*" as allow-all.
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			oc.allowAll = true
		}
		if origin != "" {
			oc.allowed[origin] = struct{}{}
		}
	}
	if len(oc.allowed) == 0 {
		oc.allowAll = true
	}
	return oc
}

// Check reports whether origin may open a subscription.
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" || oc.allowAll {
		return true
	}
	_, ok := oc.allowed[origin]
	return ok
}

// Handler upgrades requests into address-scoped event subscriptions.
type Handler struct {
	dist     *events.Distributor
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	onChange func(total int)
}

// NewHandler builds a websocket handler bound to dist. onChange, when set, is called
// with the subscriber total whenever a connection opens or closes.
func NewHandler(dist *events.Distributor, origins *OriginChecker, logger zerolog.Logger, onChange func(total int)) *Handler {
	if origins == nil {
		origins = NewOriginChecker(nil)
	}
	return &Handler{
		dist: dist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origins.Check(r.Header.Get("Origin"))
			},
		},
		logger:   logger.With().Str("component", "stream").Logger(),
		onChange: onChange,
	}
}

// Serve subscribes before upgrading so connection caps surface as HTTP 429.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, address string) {
	sub, err := h.dist.Subscribe(address)
	if err != nil {
		if errors.Is(err, events.ErrTooManyConnections) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Debug().Err(err).Str("address", sub.Address()).Msg("websocket upgrade failed")
		return
	}
	h.changed()
	h.logger.Debug().Str("address", sub.Address()).Str("remote", r.RemoteAddr).Msg("subscriber connected")

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump only services control frames; closing it tears the subscription down.
func (h *Handler) readPump(conn *websocket.Conn, sub *events.Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
		h.changed()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("address", sub.Address()).Msg("subscriber read error")
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				h.logger.Error().Err(err).Msg("encode frame")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) changed() {
	if h.onChange != nil {
		h.onChange(h.dist.Count())
	}
}
