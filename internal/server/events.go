package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType defines the type of sync event broadcast to monitoring clients.
type EventType string

const (
	// EventPullComplete indicates a pull request was answered.
	EventPullComplete EventType = "pull_complete"

	// EventPushComplete indicates a push batch was processed.
	EventPushComplete EventType = "push_complete"

	// EventConflictResolved indicates an incoming record was discarded
	// in favor of the stored row.
	EventConflictResolved EventType = "conflict_resolved"
)

// Event is one sync event broadcast over the /events WebSocket.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PullEventData summarizes an answered pull.
type PullEventData struct {
	UserID  string         `json:"user_id"`
	Since   int64          `json:"since"`
	ByKind  map[string]int `json:"by_kind"`
	Total   int            `json:"total"`
	Elapsed time.Duration  `json:"elapsed"`
}

// PushEventData summarizes a processed push batch.
type PushEventData struct {
	UserID   string `json:"user_id"`
	Applied  int    `json:"applied"`
	Rejected int    `json:"rejected"`
	Failed   int    `json:"failed"`
}

// Broadcaster fans sync events out to connected WebSocket clients.
// It exists for operational monitoring; nothing in the sync protocol
// depends on it and a nil *Broadcaster is safe to publish to.
type Broadcaster struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewBroadcaster creates an event broadcaster. Call Start before use and
// Stop when done. If logger is nil, the default logger is used.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Broadcaster{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the broadcast loop.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.broadcastLoop()
}

// Stop disconnects all clients and stops the broadcast loop.
func (b *Broadcaster) Stop() {
	b.cancel()

	b.clientsMu.Lock()
	for conn := range b.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(b.clients, conn)
	}
	b.clientsMu.Unlock()

	b.wg.Wait()
}

// Publish sends an event to all connected clients. Never blocks: when the
// channel is full the event is dropped with a warning. Safe on a nil
// receiver so handlers can publish unconditionally.
func (b *Broadcaster) Publish(evtType EventType, data interface{}) {
	if b == nil {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Printf("Failed to marshal %s event: %v", evtType, err)
		return
	}

	evt := Event{
		Type:      evtType,
		Timestamp: time.Now(),
		Data:      payload,
	}

	select {
	case b.broadcast <- evt:
	case <-b.ctx.Done():
	default:
		b.logger.Println("Warning: event channel full, dropping event")
	}
}

// ClientCount returns the current number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// broadcastLoop delivers queued events to all clients.
func (b *Broadcaster) broadcastLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case evt := <-b.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				b.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			b.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(b.clients))
			for conn := range b.clients {
				clients = append(clients, conn)
			}
			b.clientsMu.RUnlock()

			// Writes happen outside the read lock so a slow client
			// cannot block new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					b.logger.Printf("Failed to send to client: %v", err)
					b.removeClient(conn)
				}
			}
		}
	}
}

// handleWS upgrades HTTP connections to WebSocket and registers the client.
func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	b.clientsMu.Lock()
	b.clients[conn] = true
	clientCount := len(b.clients)
	b.clientsMu.Unlock()

	b.logger.Printf("Event client connected (total: %d)", clientCount)

	go b.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (b *Broadcaster) readLoop(conn *websocket.Conn) {
	defer b.removeClient(conn)

	for {
		_, _, err := conn.Read(b.ctx)
		if err != nil {
			return
		}
	}
}

func (b *Broadcaster) removeClient(conn *websocket.Conn) {
	b.clientsMu.Lock()
	if _, exists := b.clients[conn]; exists {
		delete(b.clients, conn)
		clientCount := len(b.clients)
		b.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		b.logger.Printf("Event client disconnected (total: %d)", clientCount)
	} else {
		b.clientsMu.Unlock()
	}
}
