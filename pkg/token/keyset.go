package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeySet manages active signing keys and verification of past keys, so
// rotation does not invalidate tokens still in flight.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the verification key selected by the token header.
	KeyFunc() jwt.Keyfunc
}

// maxRetainedKeys bounds how many rotated-out keys stay verifiable.
const maxRetainedKeys = 10

// InMemoryKeySet holds Ed25519 keys in memory. Suitable for the embedded
// issuer, demos and tests; production deployments point the codec at an
// external issuer instead.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
	order      []string // kids oldest first, for eviction
}

// NewInMemoryKeySet generates a fresh random signing key.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewInMemoryKeySetFromSeed builds a keyset with a deterministic initial
// key. Later rotations generate random keys.
func NewInMemoryKeySetFromSeed(kid string, seed []byte) (*InMemoryKeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if kid == "" {
		return nil, fmt.Errorf("kid must not be empty")
	}
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	ks.install(kid, ed25519.NewKeyFromSeed(seed))
	return ks, nil
}

// DeriveForRealm derives a realm-specific keyset from a master seed
// using HKDF-SHA256, so every realm gets a distinct deterministic
// keypair without storing per-realm secrets.
func DeriveForRealm(masterSeed []byte, realm string) (*InMemoryKeySet, error) {
	if realm == "" {
		return nil, fmt.Errorf("realm must not be empty")
	}
	r := hkdf.New(sha256.New, masterSeed, []byte("handoff-realm-kdf"), []byte(realm))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive realm key: %w", err)
	}
	return NewInMemoryKeySetFromSeed("realm-"+realm, seed)
}

// Rotate installs a fresh random signing key. Previously active keys
// stay available for verification until evicted.
func (ks *InMemoryKeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.installLocked(fmt.Sprintf("key-%d", time.Now().UnixNano()), priv)
	return nil
}

func (ks *InMemoryKeySet) install(kid string, priv ed25519.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.installLocked(kid, priv)
}

func (ks *InMemoryKeySet) installLocked(kid string, priv ed25519.PrivateKey) {
	ks.keys[kid] = priv
	ks.order = append(ks.order, kid)
	ks.currentKID = kid
	for len(ks.order) > maxRetainedKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.keys, oldest)
	}
}

func (ks *InMemoryKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active signing key")
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key.Public(), nil
	}
}
