package auth

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used by `hash-key`. Cost 12 takes
// roughly 250ms on a modern server.
const DefaultCost = 12

var ErrInvalidKey = errors.New("auth: invalid API key")

// KeyService checks API keys against the configured bcrypt hashes.
type KeyService struct {
	cost   int
	hashes map[string]string // client name -> bcrypt hash
	names  []string
}

// NewKeyService takes client name to bcrypt hash pairs as found in
// auth.api_keys.
func NewKeyService(hashes map[string]string) *KeyService {
	return &KeyService{
		cost:   DefaultCost,
		hashes: hashes,
		names:  slices.Sorted(maps.Keys(hashes)),
	}
}

// WithCost returns a copy that hashes at a different cost. Tests use
// bcrypt.MinCost to stay fast.
func (k *KeyService) WithCost(cost int) *KeyService {
	c := *k
	c.cost = cost
	return &c
}

// Hash hashes a plaintext key for the config file.
func (k *KeyService) Hash(key string) (string, error) {
	if len(key) > 72 {
		// bcrypt silently truncates anything longer.
		return "", fmt.Errorf("auth: API key must be 72 bytes or fewer")
	}
	if len(key) < 16 {
		return "", fmt.Errorf("auth: API key must be at least 16 characters")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), k.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing key: %w", err)
	}
	return string(hashed), nil
}

// Authenticate returns the name of the client owning key.
//
// Keys are not indexed, so every configured hash is tried in turn. That is
// fine for the handful of clients a deployment has, and it only happens when
// a token is issued.
func (k *KeyService) Authenticate(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, name := range k.names {
		err := bcrypt.CompareHashAndPassword([]byte(k.hashes[name]), []byte(key))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", fmt.Errorf("auth: comparing hash for %s: %w", name, err)
		}
	}
	return "", ErrInvalidKey
}
