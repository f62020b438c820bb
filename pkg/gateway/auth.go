package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const maxAuthAttempts = 3

// AuthHandler runs the challenge-response handshake. The client proves
// knowledge of the shared secret by signing the server's challenge with
// HMAC-SHA256.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates an authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature checks an HMAC-SHA256 signature against a challenge
// in constant time
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleResponse processes a client's signature. The third failed
// attempt is final.
func (a *AuthHandler) HandleResponse(client *Client, signature string) AuthResult {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "no challenge issued"}
	}

	if !a.VerifySignature(client.challenge, signature) {
		client.authAttempts++
		if client.authAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.blocked", Message: "too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "invalid signature"}
	}

	client.authenticated = true
	client.challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}

// SignChallenge computes the signature a client must return. Exposed for
// client implementations and tests.
func SignChallenge(sharedSecret, challenge string) string {
	h := hmac.New(sha256.New, []byte(sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}
