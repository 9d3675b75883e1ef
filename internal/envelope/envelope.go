// Package envelope seals guardian share payloads in two independent layers: the inner layer
// under a guardian-specific key and the outer layer under a group-specific key. Each layer
// derives its own key from a fresh random salt, so neither the store operator nor a single
// compromised key reveals a payload.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"guardian-node/internal/custody"
)

const (
	SaltSize = 32
	KeySize  = chacha20poly1305.KeySize

	guardianLayerInfo = "guardian-node/share/guardian-layer"
	groupLayerInfo    = "guardian-node/share/group-layer"
)

var ErrOpen = errors.New("envelope could not be opened")

// KeyProvider resolves the long-term key of each layer.
type KeyProvider interface {
	GuardianKey(guardianID string) ([]byte, error)
	GroupKey(groupID string) ([]byte, error)
}

// Binding ties an envelope to the share it carries. It is authenticated on both layers.
type Binding struct {
	GroupID    string
	KeyID      string
	GuardianID string
	Index      int
}

func (b Binding) aad() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d", b.GroupID, b.KeyID, b.GuardianID, b.Index))
}

// Seal encrypts plaintext for the share identified by b.
func Seal(keys KeyProvider, b Binding, plaintext []byte) (custody.Envelope, error) {
	guardianKey, err := keys.GuardianKey(b.GuardianID)
	if err != nil {
		return custody.Envelope{}, fmt.Errorf("guardian key: %w", err)
	}
	defer wipe(guardianKey)
	groupKey, err := keys.GroupKey(b.GroupID)
	if err != nil {
		return custody.Envelope{}, fmt.Errorf("group key: %w", err)
	}
	defer wipe(groupKey)

	guardianSalt, err := randomBytes(SaltSize)
	if err != nil {
		return custody.Envelope{}, err
	}
	groupSalt, err := randomBytes(SaltSize)
	if err != nil {
		return custody.Envelope{}, err
	}

	inner, err := sealLayer(guardianKey, guardianSalt, guardianLayerInfo, plaintext, b.aad())
	if err != nil {
		return custody.Envelope{}, err
	}
	outer, err := sealLayer(groupKey, groupSalt, groupLayerInfo, inner, b.aad())
	if err != nil {
		return custody.Envelope{}, err
	}
	return custody.Envelope{GuardianSalt: guardianSalt, GroupSalt: groupSalt, Ciphertext: outer}, nil
}

// Open reverses Seal. The returned plaintext belongs to the caller, who must wipe it.
func Open(keys KeyProvider, b Binding, env custody.Envelope) ([]byte, error) {
	guardianKey, err := keys.GuardianKey(b.GuardianID)
	if err != nil {
		return nil, fmt.Errorf("guardian key: %w", err)
	}
	defer wipe(guardianKey)
	groupKey, err := keys.GroupKey(b.GroupID)
	if err != nil {
		return nil, fmt.Errorf("group key: %w", err)
	}
	defer wipe(groupKey)

	inner, err := openLayer(groupKey, env.GroupSalt, groupLayerInfo, env.Ciphertext, b.aad())
	if err != nil {
		return nil, err
	}
	defer wipe(inner)
	return openLayer(guardianKey, env.GuardianSalt, guardianLayerInfo, inner, b.aad())
}

func layerKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive layer key: %w", err)
	}
	return key, nil
}

func sealLayer(secret, salt []byte, info string, plaintext, aad []byte) ([]byte, error) {
	key, err := layerKey(secret, salt, info)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func openLayer(secret, salt []byte, info string, ciphertext, aad []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: bad salt length", ErrOpen)
	}
	key, err := layerKey(secret, salt, info)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpen)
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return out, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
