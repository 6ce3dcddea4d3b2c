package auth

import (
	"time"

	"escrowflow/identity"
)

// Credential is the stored form of an identity's API key. Only the bcrypt
// hash of the key is kept.
type Credential struct {
	Identity  identity.Key
	KeyHash   string
	CreatedAt time.Time
}

// TokenRequest exchanges an API key for a bearer token.
type TokenRequest struct {
	Identity string `json:"identity"`
	APIKey   string `json:"apiKey"`
}

// TokenResult carries a signed bearer token.
type TokenResult struct {
	Token     string
	Identity  identity.Key
	ExpiresAt time.Time
}
