package websocket

import (
	"time"

	"github.com/dennisdiepolder/monti/router/internal/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBuffer = 256

// Client is one dashboard or agent connection registered with the hub
type Client struct {
	id      string
	agentID string // empty for dashboards
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	since   time.Time
	config  *config.Config
	logger  zerolog.Logger
}

// NewClient creates a new Client. agentID is empty for dashboard connections.
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, agentID string, logger zerolog.Logger) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:      clientID,
		agentID: agentID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		since:   time.Now(),
		config:  cfg,
		logger:  logger.With().Str("client_id", clientID).Str("agent_id", agentID).Logger(),
	}
}

// readPump is the only reader of conn. It keeps control frames flowing;
// inbound payloads are only logged since agents report state over HTTP.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Debug().Dur("connected_for", time.Since(c.since)).Msg("websocket closed")
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		c.logger.Debug().Int("bytes", len(message)).Msg("ignoring inbound frame")
	}
}

// writePump is the only writer of conn: one text frame per message, plus pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
