package websocket

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/router/internal/metrics"
	"github.com/rs/zerolog"
)

// Hub maintains the set of active clients. Supervisor dashboards receive
// broadcasts; clients that connected with an agent ID also receive messages
// addressed to that agent.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients indexed by agent ID; one connection per agent
	agents map[string]*Client

	// Outbound messages for every client
	broadcast chan []byte

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients and agents
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub. m may be nil.
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		agents:     make(map[string]*Client),
		metrics:    m,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run starts the hub's main loop and returns when ctx is done, closing
// every remaining client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.broadcastRaw(message)
		}
	}
}

// Broadcast queues a message for all connected clients
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client; it is a no-op once the hub has stopped
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// SendToAgent delivers a message to the connection registered for agentID.
// It returns false if the agent is not connected or its buffer is full.
func (h *Hub) SendToAgent(agentID string, message []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.agents[agentID]
	if !ok {
		return false
	}
	select {
	case client.send <- message:
		h.metrics.RecordWebSocketMessage()
		return true
	default:
		h.logger.Warn().Str("agent_id", agentID).Msg("agent send buffer full, dropping message")
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AgentConnected reports whether agentID has a live connection
func (h *Hub) AgentConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[agentID]
	return ok
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.agentID != "" {
		// Replace an existing connection for the same agent
		if existing, ok := h.agents[client.agentID]; ok && existing != client {
			h.drop(existing)
			h.logger.Info().
				Str("agent_id", client.agentID).
				Str("client_id", existing.id).
				Msg("replacing existing agent connection")
		}
		h.agents[client.agentID] = client
	}
	h.clients[client] = true
	h.metrics.RecordWebSocketConnect()

	h.logger.Info().
		Str("client_id", client.id).
		Str("agent_id", client.agentID).
		Int("total_clients", len(h.clients)).
		Msg("client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	h.drop(client)
	h.logger.Info().
		Str("client_id", client.id).
		Str("agent_id", client.agentID).
		Int("total_clients", len(h.clients)).
		Msg("client disconnected")
}

// drop removes a client and closes its send channel. Callers hold mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if client.agentID != "" && h.agents[client.agentID] == client {
		delete(h.agents, client.agentID)
	}
	close(client.send)
	h.metrics.RecordWebSocketDisconnect()
}

// broadcastRaw sends a message to all clients
func (h *Hub) broadcastRaw(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- message:
			h.metrics.RecordWebSocketMessage()
		default:
			// Client's send buffer is full, close and remove it
			h.drop(client)
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}
