package stream

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// CloseGrace is how long a terminal frame has to reach the client before the
// registry closes the socket.
const CloseGrace = time.Second

// OrderGetter looks up persisted orders for the late-connect replay.
type OrderGetter interface {
	GetOrder(orderID string) (*types.Order, error)
}

// Handler upgrades stream requests and binds them to the registry.
type Handler struct {
	registry *Registry
	store    OrderGetter
	upgrader websocket.Upgrader
}

// NewHandler creates the stream endpoint handler.
func NewHandler(registry *Registry, store OrderGetter) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// StreamHandler handles GET requests upgrading to the order's status stream.
// Connecting to an order already in a terminal state replays the terminal
// frame and schedules the close, so late connections stay observable.
func (h *Handler) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("stream upgrade failed")
			return
		}

		order, err := h.store.GetOrder(orderID)
		if err != nil || order == nil {
			conn.WriteJSON(types.StreamFrame{
				OrderID:   orderID,
				Error:     "Order not found",
				Timestamp: types.FrameTimestamp(time.Now()),
			})
			conn.Close()
			return
		}

		h.registry.Register(orderID, conn)

		// The anchor frame tells the client where the order stands right
		// now; everything after it is a live transition.
		h.registry.Send(orderID, types.StreamFrame{
			OrderID:   orderID,
			Status:    order.Status,
			Message:   "Connected to order stream",
			Timestamp: types.FrameTimestamp(time.Now()),
		})

		if order.Status.Terminal() {
			h.registry.Send(orderID, types.StreamFrame{
				OrderID:   orderID,
				Status:    order.Status,
				Data:      terminalData(order),
				Timestamp: types.FrameTimestamp(time.Now()),
			})
			h.registry.ScheduleClose(orderID, CloseGrace)
		}

		go h.readLoop(orderID, conn)
	}
}

// readLoop drains client frames so pings are answered and a closed peer
// deregisters promptly.
func (h *Handler) readLoop(orderID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.registry.Deregister(orderID, conn)
			conn.Close()
			return
		}
	}
}

// terminalData builds the persisted payload replayed to late connections.
func terminalData(order *types.Order) map[string]interface{} {
	data := map[string]interface{}{}
	if order.Status == types.StatusConfirmed {
		if order.TxHash != nil {
			data["tx_hash"] = *order.TxHash
		}
		if order.ExecutedPrice.Valid {
			data["executed_price"] = order.ExecutedPrice.Decimal
		}
		if order.AmountOut.Valid {
			data["amount_out"] = order.AmountOut.Decimal
		}
		if order.DexUsed != nil {
			data["dex_used"] = *order.DexUsed
		}
	}
	if order.Status == types.StatusFailed && order.Error != nil {
		data["error"] = *order.Error
	}
	return data
}
