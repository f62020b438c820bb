package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallengeIsUnique(t *testing.T) {
	auth := NewAuthHandler("secret")

	a, err := auth.GenerateChallenge()
	require.NoError(t, err)
	b, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, a, 64) // 32 bytes hex encoded
	assert.NotEqual(t, a, b)
}

func TestVerifySignature(t *testing.T) {
	auth := NewAuthHandler("secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, SignChallenge("secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, SignChallenge("wrong-secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, "not-hex-garbage"))
}

func TestHandleResponse(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := &Client{ID: "c1"}
	client.SetChallenge("challenge-1")

	result := auth.HandleResponse(client, SignChallenge("secret", "challenge-1"))
	assert.True(t, result.Success)
	assert.True(t, client.IsAuthenticated())

	// Challenge is single use
	replay := auth.HandleResponse(client, SignChallenge("secret", "challenge-1"))
	assert.False(t, replay.Success)
	assert.Equal(t, "no challenge issued", replay.Message)
}

func TestHandleResponseBlocksAfterThreeFailures(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := &Client{ID: "c1"}
	client.SetChallenge("challenge-1")

	for i := 0; i < 2; i++ {
		result := auth.HandleResponse(client, "bad-signature")
		assert.Equal(t, "auth.failure", result.Event)
	}
	result := auth.HandleResponse(client, "bad-signature")
	assert.Equal(t, "auth.blocked", result.Event)
	assert.False(t, client.IsAuthenticated())
}

func TestAuthStateSafeUnderConcurrentReads(t *testing.T) {
	auth := NewAuthHandler("secret")
	registry := NewClientRegistry()
	client := &Client{ID: "c1"}
	client.SetChallenge("challenge-1")
	registry.Add(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			registry.Authenticated()
			registry.Snapshot()
		}
	}()

	auth.HandleResponse(client, "bad-signature")
	auth.HandleResponse(client, SignChallenge("secret", "challenge-1"))
	<-done

	require.Len(t, registry.Authenticated(), 1)
}

func TestHandleResponseWithoutChallenge(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := &Client{ID: "c1"}

	result := auth.HandleResponse(client, SignChallenge("secret", ""))
	assert.False(t, result.Success)
}
