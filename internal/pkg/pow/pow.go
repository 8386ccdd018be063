/*
Package pow implements the Proof-of-Work gate in front of meeting creation.

A client fetches a challenge nonce, searches for a counter whose SHA-256 of nonce+counter
starts with the required number of hex zeros, and trades the proof for a short-lived token
that authorizes one meeting creation.
*/
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenHeaderKey is the HTTP header key used by the client to send the Proof Token.
	TokenHeaderKey = "X-PoW-Token"

	// ProofTokenDuration is the validity period for the Proof Token issued after validation.
	ProofTokenDuration = 30 * time.Second

	// NonceExpiryDuration is the validity period for the challenge Nonce.
	NonceExpiryDuration = 5 * time.Minute
)

var (
	ErrNonceInvalid    = errors.New("nonce expired or invalid")
	ErrProofTooWeak    = errors.New("proof does not meet difficulty requirement")
	ErrNonceConsumed   = errors.New("nonce consumed by concurrent request")
	ErrSolveCancelled  = errors.New("proof-of-work search cancelled")
	errInvalidStrength = errors.New("difficulty must be between 0 and 64")
)

// Challenge is what the client receives before solving.
type Challenge struct {
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
}

// Manager tracks outstanding nonces and issued proof tokens. It is safe for concurrent use.
type Manager struct {
	// required number of leading hex zeros.
	difficulty int

	// active nonces and their expiration times.
	nonceStore map[string]time.Time

	// issued tokens and their expiration times.
	tokenStore map[string]time.Time

	mu sync.Mutex
}

// NewManager creates a Manager and starts its expiry sweep, which stops when ctx is done.
func NewManager(ctx context.Context, difficulty int) *Manager {
	mgr := &Manager{
		difficulty: difficulty,
		nonceStore: make(map[string]time.Time),
		tokenStore: make(map[string]time.Time),
	}

	go mgr.cleanupExpiredEntries(ctx)

	return mgr
}

// Enabled reports whether creation requests must carry a proof token.
func (m *Manager) Enabled() bool {
	return m.difficulty > 0
}

// NewChallenge issues a fresh nonce.
func (m *Manager) NewChallenge() Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce := uuid.New().String()
	m.nonceStore[nonce] = time.Now().Add(NonceExpiryDuration)
	return Challenge{Nonce: nonce, Difficulty: m.difficulty}
}

// ValidateProof checks the counter for nonce and, on success, consumes the nonce and
// returns a proof token valid for ProofTokenDuration.
func (m *Manager) ValidateProof(nonce, counter string) (string, error) {
	m.mu.Lock()
	expiryTime, ok := m.nonceStore[nonce]
	m.mu.Unlock()

	if !ok || time.Now().After(expiryTime) {
		return "", ErrNonceInvalid
	}

	if !Meets(nonce, counter, m.difficulty) {
		return "", ErrProofTooWeak
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, stillExists := m.nonceStore[nonce]; !stillExists {
		return "", ErrNonceConsumed
	}

	delete(m.nonceStore, nonce)

	token := uuid.New().String()
	m.tokenStore[token] = time.Now().Add(ProofTokenDuration)
	return token, nil
}

// ConsumeProofToken checks the X-PoW-Token header (or pow_token query parameter) and removes
// the token on success, so each proof authorizes a single request.
func (m *Manager) ConsumeProofToken(r *http.Request) bool {
	token := r.Header.Get(TokenHeaderKey)
	if token == "" {
		token = r.URL.Query().Get("pow_token")
	}

	if token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiryTime, ok := m.tokenStore[token]
	if !ok || time.Now().After(expiryTime) {
		return false
	}

	delete(m.tokenStore, token)
	return true
}

// cleanupExpiredEntries periodically drops expired nonces and tokens.
func (m *Manager) cleanupExpiredEntries(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for nonce, expiry := range m.nonceStore {
				if now.After(expiry) {
					delete(m.nonceStore, nonce)
				}
			}
			for token, expiry := range m.tokenStore {
				if now.After(expiry) {
					delete(m.tokenStore, token)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Meets reports whether sha256(nonce+counter) starts with difficulty hex zeros.
func Meets(nonce, counter string, difficulty int) bool {
	hash := sha256.Sum256([]byte(nonce + counter))
	hashStr := hex.EncodeToString(hash[:])
	return strings.HasPrefix(hashStr, strings.Repeat("0", difficulty))
}

// Solve searches for the smallest decimal counter satisfying the challenge.
// It is what a non-browser client (the headless peer) runs before creating a meeting.
func Solve(ctx context.Context, c Challenge) (string, error) {
	if c.Difficulty < 0 || c.Difficulty > 64 {
		return "", errInvalidStrength
	}

	for i := uint64(0); ; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return "", errors.Join(ErrSolveCancelled, err)
			}
		}

		counter := strconv.FormatUint(i, 10)
		if Meets(c.Nonce, counter, c.Difficulty) {
			return counter, nil
		}
	}
}
