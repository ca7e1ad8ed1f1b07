package orders

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/dex-execution-engine/internal/stream"
	"github.com/ksred/dex-execution-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for the order endpoints. The registry
// is an explicit collaborator because health introspection reports its
// connection count.
type GinHandlers struct {
	service  *Service
	registry *stream.Registry
}

// NewGinHandlers creates the order endpoint handlers.
func NewGinHandlers(service *Service, registry *stream.Registry) *GinHandlers {
	return &GinHandlers{
		service:  service,
		registry: registry,
	}
}

// ExecuteOrderHandler handles POST requests submitting a new order. The
// response carries the order id and the stream URL to follow its lifecycle.
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request body: "+err.Error())
			return
		}

		order, err := h.service.CreateOrder(c.Request.Context(), &req)
		if err != nil {
			if IsValidation(err) {
				response.BadRequest(c, err.Error())
				return
			}
			if errors.Is(err, ErrConflict) {
				response.InternalError(c, "order id collision, please retry")
				return
			}
			response.InternalError(c, "failed to accept order")
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"orderId":      order.OrderID,
			"message":      "Order accepted for execution",
			"websocketUrl": fmt.Sprintf("/api/orders/%s/stream", order.OrderID),
			"instructions": "Connect to the websocketUrl to receive real-time status updates",
		})
	}
}

// GetOrderHandler handles GET requests for a stored order.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID)
		if err != nil {
			response.InternalError(c, "failed to fetch order")
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		c.JSON(http.StatusOK, order)
	}
}

// HealthHandler reports liveness and the number of active stream
// connections.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"queue": gin.H{
				"active_connections": h.registry.Count(),
			},
		})
	}
}
