package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/oracle"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
)

// StreamMessage is a JSON message pushed to WebSocket clients.
type StreamMessage struct {
	Type       string `json:"type"`
	Crop       string `json:"crop,omitempty"`
	Price      string `json:"price,omitempty"`
	Source     string `json:"source,omitempty"`
	ContractID int64  `json:"contract_id,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	Strike     string `json:"strike_price,omitempty"`
	Payout     string `json:"payout,omitempty"`
	Count      int    `json:"count,omitempty"`
	At         string `json:"at"`
}

// Hub fans price and contract events out to every connected WebSocket
// client. Farmer identities are never included.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	log        *logger.Logger
	upgrader   websocket.Upgrader
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run is the hub event loop. It returns when ctx is done, closing every
// client connection. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Debug(h.log.WithField(ctx, "total", n), "ws client connected")

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Broadcast queues msg for every client. Messages are dropped when the
// buffer is full so publishers never block.
func (h *Hub) Broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// PublishQuote streams a fresh oracle price. It matches oracle.Subscribe.
func (h *Hub) PublishQuote(q oracle.Quote) {
	h.Broadcast(StreamMessage{
		Type:   "price",
		Crop:   q.Crop,
		Price:  q.Price.StringFixed(2),
		Source: q.Source,
		At:     q.At.UTC().Format(time.RFC3339),
	})
}

// PublishEvent streams a contract lifecycle change. It matches
// engine.Subscribe.
func (h *Hub) PublishEvent(ev engine.Event) {
	msg := StreamMessage{
		Type:  string(ev.Type),
		Count: ev.Count,
		At:    ev.At.UTC().Format(time.RFC3339),
	}
	if c := ev.Contract; c != nil {
		msg.Crop = c.Crop
		msg.ContractID = c.ID
		msg.Quantity = c.Quantity.String()
		msg.Strike = c.StrikePrice.String()
	}
	if ev.Payout != nil {
		msg.Payout = ev.Payout.StringFixed(2)
	}
	h.Broadcast(msg)
}

// HandleWS upgrades GET /api/v1/ws. Clients only receive; anything they
// send is discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(h.log.WithField(r.Context(), "error", err.Error()), "ws upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			var err error
			h.mu.Lock()
			_, ok := h.clients[conn]
			if ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
