// Package stream fans job events out to Server-Sent Events clients.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stevecastle/lightfield/logging"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 5000
	// Buffer size for each client's message channel
	ClientChannelBuffer = 256
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 2048
)

// Message is one SSE event.
type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type client struct {
	id           string
	ch           chan Message
	remoteAddr   string
	connected    time.Time
	messagesSent atomic.Int64
}

// Stats are counters describing the hub.
type Stats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalMessages       int64 `json:"total_messages"`
	MaxConnections      int64 `json:"max_connections"`
	DroppedBroadcasts   int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs   int64 `json:"dropped_client_msgs"`
	RejectedConnections int64 `json:"rejected_connections"`
}

// Hub manages SSE client connections and broadcasts. Broadcast never blocks:
// when the hub or a client queue is full the message is dropped and counted.
type Hub struct {
	clients           sync.Map // chan Message -> *client
	activeCount       atomic.Int64
	totalMessages     atomic.Int64
	droppedBroadcasts atomic.Int64
	droppedClientMsgs atomic.Int64
	rejectedConns     atomic.Int64

	maxConns  int64
	broadcast chan Message
	shutdown  chan struct{}
	once      sync.Once
	log       *logging.Logger
}

// NewHub starts a hub's broadcast loop. Call Shutdown to stop it.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Noop()
	}
	h := &Hub{
		maxConns:  MaxConcurrentConnections,
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
		log:       logger.WithComponent("stream"),
	}
	go h.run()
	return h
}

// Stats returns current connection statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   h.activeCount.Load(),
		TotalMessages:       h.totalMessages.Load(),
		MaxConnections:      h.maxConns,
		DroppedBroadcasts:   h.droppedBroadcasts.Load(),
		DroppedClientMsgs:   h.droppedClientMsgs.Load(),
		RejectedConnections: h.rejectedConns.Load(),
	}
}

// addClient registers ch, or reports false when the hub is at capacity.
func (h *Hub) addClient(ch chan Message, remoteAddr string) bool {
	if h.activeCount.Load() >= h.maxConns {
		h.rejectedConns.Add(1)
		h.log.Warn("connection limit reached, rejecting client", "remote", remoteAddr, "limit", h.maxConns)
		return false
	}
	c := &client{
		id:         fmt.Sprintf("%d-%s", time.Now().UnixNano(), remoteAddr),
		ch:         ch,
		remoteAddr: remoteAddr,
		connected:  time.Now(),
	}
	h.clients.Store(ch, c)
	n := h.activeCount.Add(1)
	h.log.Debug("client connected", "client", c.id, "total", n)
	return true
}

// removeClient unregisters ch. The channel is left open; the broadcast loop
// may still hold it for one iteration.
func (h *Hub) removeClient(ch chan Message) {
	if v, ok := h.clients.LoadAndDelete(ch); ok {
		c := v.(*client)
		n := h.activeCount.Add(-1)
		h.log.Debug("client disconnected", "client", c.id, "sent", c.messagesSent.Load(), "total", n)
	}
}

// Broadcast enqueues a message for fan-out without blocking callers.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.droppedBroadcasts.Add(1)
	}
}

// Publish JSON-encodes payload and broadcasts it as an eventType event.
func (h *Hub) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to encode event", "type", eventType, "error", err)
		return
	}
	h.Broadcast(Message{Type: eventType, Msg: string(data)})
}

func (h *Hub) run() {
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(_, value any) bool {
				c := value.(*client)
				select {
				case c.ch <- msg:
					c.messagesSent.Add(1)
					h.totalMessages.Add(1)
				default:
					h.droppedClientMsgs.Add(1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

// Shutdown stops the broadcast loop and disconnects every client.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, _ any) bool {
			h.removeClient(key.(chan Message))
			return true
		})
		h.log.Info("stream hub shut down")
	})
}

// ServeHTTP streams events to one client until it disconnects or the hub
// shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan Message, ClientChannelBuffer)
	if !h.addClient(ch, r.RemoteAddr) {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}
	defer h.removeClient(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	if _, err := io.WriteString(w, formatSSEResponse(Message{Type: "connected", Msg: `{"msg":"SSE connection established"}`})); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case msg := <-ch:
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSEResponse(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
