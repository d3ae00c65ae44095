package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// tokenBytes is the entropy of a pairing token (256 bits).
const tokenBytes = 32

// challengeBytes is the size of a signature challenge.
const challengeBytes = 32

// Auth failures. All collapse to a generic message on the wire; the
// distinction is for logs and tests.
var (
	ErrTokenInvalid     = errors.New("auth: token invalid")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenRevoked     = errors.New("auth: token revoked")
	ErrChallengeMissing = errors.New("auth: no pending challenge")
	ErrChallengeExpired = errors.New("auth: challenge expired")
	ErrBadSignature     = errors.New("auth: signature verification failed")
	ErrKeyMismatch      = errors.New("auth: public key does not match token binding")
)

// TokenRecord is one pairing token. Only the SHA-256 of the token is
// retained; the clear token exists once, in the CreateToken result.
type TokenRecord struct {
	ID          string
	TokenHash   [sha256.Size]byte
	PublicKey   string // base64 Ed25519 key, bound on first verify
	Permissions domain.Permissions
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// pendingChallenge is the per-connection single-use auth state between
// auth.pair and auth.verify.
type pendingChallenge struct {
	tokenID   string
	challenge []byte
	expiresAt time.Time
}

// AuthManager owns pairing tokens and per-connection signature
// challenges. Map access is serialized through one mutex; verifyToken and
// CompleteVerify hand back the stored record and permission set, not
// copies.
type AuthManager struct {
	mu         sync.Mutex
	tokens     map[string]*TokenRecord     // token id → record
	challenges map[string]pendingChallenge // connection id → pending state

	challengeTTL time.Duration
	now          func() time.Time
}

// NewAuthManager builds an empty token store. challengeTTL bounds how
// long an issued challenge stays answerable.
func NewAuthManager(challengeTTL time.Duration, now func() time.Time) *AuthManager {
	if now == nil {
		now = time.Now
	}
	if challengeTTL <= 0 {
		challengeTTL = 30 * time.Second
	}
	return &AuthManager{
		tokens:       make(map[string]*TokenRecord),
		challenges:   make(map[string]pendingChallenge),
		challengeTTL: challengeTTL,
		now:          now,
	}
}

// CreateToken mints a pairing token with the given permissions. The
// returned clear token is shown once; only its hash is stored.
func (a *AuthManager) CreateToken(perms domain.Permissions, expiresIn time.Duration) (id, token string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)

	rec := &TokenRecord{
		ID:          uuid.New().String(),
		TokenHash:   sha256.Sum256([]byte(token)),
		Permissions: perms,
		CreatedAt:   a.now(),
	}
	if expiresIn > 0 {
		exp := rec.CreatedAt.Add(expiresIn)
		rec.ExpiresAt = &exp
	}

	a.mu.Lock()
	a.tokens[rec.ID] = rec
	a.mu.Unlock()
	return rec.ID, token, nil
}

// RevokeToken marks a token unusable. Revocation is permanent.
func (a *AuthManager) RevokeToken(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.tokens[id]
	if !ok {
		return ErrTokenInvalid
	}
	now := a.now()
	rec.RevokedAt = &now
	return nil
}

// verifyToken resolves a clear token to its record by constant-time hash
// comparison, rejecting expired and revoked tokens.
func (a *AuthManager) verifyToken(token string) (*TokenRecord, error) {
	hash := sha256.Sum256([]byte(token))

	a.mu.Lock()
	defer a.mu.Unlock()
	var match *TokenRecord
	for _, rec := range a.tokens {
		if subtle.ConstantTimeCompare(hash[:], rec.TokenHash[:]) == 1 {
			match = rec
		}
	}
	if match == nil {
		return nil, ErrTokenInvalid
	}
	now := a.now()
	if match.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}
	if match.ExpiresAt != nil && now.After(*match.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return match, nil
}

// BeginPairing validates the token and issues a single-use challenge
// bound to the connection. Re-pairing replaces any earlier challenge for
// the same connection.
func (a *AuthManager) BeginPairing(connID, token string) (challenge string, expiresAt time.Time, err error) {
	rec, err := a.verifyToken(token)
	if err != nil {
		return "", time.Time{}, err
	}

	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: generate challenge: %w", err)
	}
	expiresAt = a.now().Add(a.challengeTTL)

	a.mu.Lock()
	a.challenges[connID] = pendingChallenge{tokenID: rec.ID, challenge: raw, expiresAt: expiresAt}
	a.mu.Unlock()

	return base64.RawURLEncoding.EncodeToString(raw), expiresAt, nil
}

// CompleteVerify checks the Ed25519 signature over the connection's
// pending challenge. The challenge is consumed whether or not
// verification succeeds (single-use). On the token's first successful
// verify the public key is bound to it; later pairings must present the
// same key.
func (a *AuthManager) CompleteVerify(connID, signatureB64, publicKeyB64 string) (domain.Permissions, error) {
	a.mu.Lock()
	pending, ok := a.challenges[connID]
	delete(a.challenges, connID)
	rec := a.tokens[pending.tokenID]
	a.mu.Unlock()

	if !ok {
		return nil, ErrChallengeMissing
	}
	if a.now().After(pending.expiresAt) {
		return nil, ErrChallengeExpired
	}
	if rec == nil {
		return nil, ErrTokenInvalid
	}

	pub, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrBadSignature
	}
	sig, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), pending.challenge, sig) {
		return nil, ErrBadSignature
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rec.PublicKey == "" {
		rec.PublicKey = publicKeyB64
	} else if rec.PublicKey != publicKeyB64 {
		return nil, ErrKeyMismatch
	}
	return rec.Permissions, nil
}

// DropChallenges clears pending auth state for a disconnected
// connection.
func (a *AuthManager) DropChallenges(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.challenges, connID)
}
