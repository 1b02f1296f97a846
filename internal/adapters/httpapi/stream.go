package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"org-feedback/internal/domain"
	httpinfra "org-feedback/internal/infra/http"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamRequests отдаёт входящие запросы обратной связи вызывающего через websocket.
func (h *Handler) streamRequests(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		httpinfra.WriteError(w, http.StatusNotImplemented, "feedback requests are disabled", "unavailable")
		return
	}
	me := caller(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Клиент ничего не присылает; чтение нужно только для pong и обнаружения закрытия.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	out := make(chan domain.FeedbackRequest, 16)
	go func() {
		defer cancel()
		if err := h.requests.Listen(ctx, me, func(req domain.FeedbackRequest) {
			select {
			case out <- req:
			case <-ctx.Done():
			}
		}); err != nil {
			h.log.Warn().Err(err).Str("user", domain.NormalizeAddress(me)).Msg("api: request stream stopped")
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case req := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(toRequestDTO(req)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
