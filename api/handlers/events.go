package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/api"
	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/memory"
)

// =============================================================================
// Event Push Handler
// =============================================================================

const (
	// eventsPingInterval keeps idle connections alive through proxies.
	eventsPingInterval = 30 * time.Second
	// eventsWriteTimeout bounds a single frame write to a slow client.
	eventsWriteTimeout = 5 * time.Second
)

// EventsHandler streams dissonance signals and pending-update lifecycle
// events to WebSocket clients. Each connection holds its own subscription
// on both streams; a slow client drops frames instead of blocking the
// memory or knowledge pipelines.
type EventsHandler struct {
	manager *memory.Manager
	service *knowledge.Service
	origins []string
	logger  *zap.Logger
}

// NewEventsHandler creates an event push handler. origins lists the allowed
// Origin patterns for the WebSocket upgrade; empty means same-origin only.
func NewEventsHandler(manager *memory.Manager, service *knowledge.Service, origins []string, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		manager: manager,
		service: service,
		origins: origins,
		logger:  logger,
	}
}

// HandleEvents upgrades the connection and pushes event frames until the
// client disconnects
// @Summary Event stream
// @Description Push dissonance signals and pending knowledge updates over WebSocket
// @Tags events
// @Success 101 {string} string "Switching Protocols"
// @Failure 400 {object} Response "Upgrade failed"
// @Security ApiKeyAuth
// @Router /v1/events [get]
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	signals, cancelSignals := h.manager.Subscribe()
	defer cancelSignals()
	events, cancelEvents := h.service.Subscribe()
	defer cancelEvents()

	// The client never sends application frames; CloseRead keeps pumping
	// control frames and cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case sig := <-signals:
			frame := api.EventFrame{
				Type:       api.EventFrameDissonance,
				Dissonance: &sig,
				At:         sig.DetectedAt,
			}
			if err := h.writeFrame(ctx, conn, frame); err != nil {
				return
			}

		case ev := <-events:
			frame := api.EventFrame{
				Type:      api.EventFrameKnowledge,
				Knowledge: &ev,
				At:        ev.At,
			}
			if err := h.writeFrame(ctx, conn, frame); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				h.logger.Debug("event stream ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventsHandler) writeFrame(ctx context.Context, conn *websocket.Conn, frame api.EventFrame) error {
	wctx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
	defer cancel()

	if err := wsjson.Write(wctx, conn, frame); err != nil {
		h.logger.Debug("event stream write failed",
			zap.String("type", frame.Type),
			zap.Error(err),
		)
		return err
	}
	return nil
}
