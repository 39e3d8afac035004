package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cyxcloud/cyxcloud/pkg/cyxerr"
)

// TokenManager issues and validates the bearer tokens a Node Agent
// presents to RegisterNode (spec §4.3).
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// JoinToken is a single-use-window bearer credential for joining the
// cluster as a storage node.
type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates an empty TokenManager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// GenerateToken issues a new token valid for duration.
func (tm *TokenManager) GenerateToken(duration time.Duration) (*JoinToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("coordinator: generating token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(buf),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken reports whether token is known and unexpired.
func (tm *TokenManager) ValidateToken(token string) error {
	tm.mu.RLock()
	jt, ok := tm.tokens[token]
	tm.mu.RUnlock()

	if !ok {
		return cyxerr.New(cyxerr.KindAccessDenied, "invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return cyxerr.New(cyxerr.KindAccessDenied, "join token expired")
	}
	return nil
}

// RevokeToken removes a token, e.g. once it has been consumed.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes every token past its expiry.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
