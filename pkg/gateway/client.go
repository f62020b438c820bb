package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// Client is one websocket subscriber. All writes go through the send
// channel so the write pump is the only goroutine touching the socket
// for output.
type Client struct {
	ID          string
	ConnectedAt time.Time
	IPAddress   string

	// Auth state is written by the read loop and read by the
	// broadcaster, so it stays behind the mutex.
	mu            sync.Mutex
	authenticated bool
	challenge     string
	authAttempts  int

	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, remoteAddr string, logger zerolog.Logger) *Client {
	return &Client{
		ID:          id,
		ConnectedAt: time.Now(),
		IPAddress:   remoteAddr,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		logger:      logger.With().Str("client_id", id).Logger(),
		done:        make(chan struct{}),
	}
}

// IsAuthenticated reports whether the client passed the handshake
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetChallenge arms the client with a pending auth challenge
func (c *Client) SetChallenge(challenge string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenge = challenge
}

// Enqueue queues a message for delivery. It reports false when the
// client's buffer is full, which marks the client as too slow to keep.
func (c *Client) Enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- message:
		return true
	default:
		return false
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. It exits when the client closes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("Client write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the client down exactly once
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
