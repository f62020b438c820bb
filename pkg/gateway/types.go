package gateway

import "time"

// EventMessage is a server-initiated event pushed to subscribers
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	JobID     string      `json:"job_id,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is the first message a client receives after connecting
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's answer to the challenge
type AuthResponse struct {
	Event     string `json:"event"`
	Signature string `json:"signature"`
}

// AuthResult reports the handshake outcome back to the client
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes one connected client for status reporting
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	IPAddress     string    `json:"ip_address"`
}
