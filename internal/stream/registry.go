package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// Registry maps order ids to their single open stream socket. There is no
// message queue behind it: publishing to an order with no registered socket
// drops the update, and the stream endpoint compensates on attach by reading
// the persisted status.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*client
}

// client pairs a socket with its write lock: frames for one order come from
// both the worker and the stream handler, and gorilla connections allow only
// one concurrent writer.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*client),
	}
}

// Register stores the socket for an order id, replacing any previous one.
func (r *Registry) Register(orderID string, conn *websocket.Conn) {
	r.mu.Lock()
	prev := r.conns[orderID]
	r.conns[orderID] = &client{conn: conn}
	r.mu.Unlock()

	if prev != nil {
		prev.conn.Close()
	}

	log.Debug().
		Str("component", "stream_registry").
		Str("order_id", orderID).
		Msg("stream registered")
}

// Deregister removes the order's entry if it still points at conn. A nil
// conn removes unconditionally.
func (r *Registry) Deregister(orderID string, conn *websocket.Conn) {
	r.mu.Lock()
	c, ok := r.conns[orderID]
	if ok && (conn == nil || c.conn == conn) {
		delete(r.conns, orderID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		log.Debug().
			Str("component", "stream_registry").
			Str("order_id", orderID).
			Msg("stream deregistered")
	}
}

// Publish sends a status update to the order's socket, if any. Send or
// serialization failures deregister the socket and are swallowed so a worker
// never crashes on a dead client.
func (r *Registry) Publish(orderID string, status types.OrderStatus, data interface{}) {
	r.Send(orderID, types.StreamFrame{
		OrderID:   orderID,
		Status:    status,
		Data:      data,
		Timestamp: types.FrameTimestamp(time.Now()),
	})
}

// Send writes a complete frame to the order's socket, if any.
func (r *Registry) Send(orderID string, frame types.StreamFrame) {
	// Copy the handle out under the read lock; never hold the map lock
	// across a socket write.
	r.mu.RLock()
	c := r.conns[orderID]
	r.mu.RUnlock()

	if c == nil {
		return
	}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(frame)
	c.writeMu.Unlock()

	if err != nil {
		log.Debug().
			Err(err).
			Str("component", "stream_registry").
			Str("order_id", orderID).
			Msg("dropping dead stream")
		r.Deregister(orderID, c.conn)
		c.conn.Close()
	}
}

// Close actively closes the order's socket if still present.
func (r *Registry) Close(orderID string) {
	r.mu.Lock()
	c, ok := r.conns[orderID]
	if ok {
		delete(r.conns, orderID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.conn.Close()
}

// ScheduleClose closes the order's socket after the grace period, giving the
// client time to read the terminal frame.
func (r *Registry) ScheduleClose(orderID string, after time.Duration) {
	time.AfterFunc(after, func() {
		r.Close(orderID)
	})
}

// Count returns the number of active stream connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
