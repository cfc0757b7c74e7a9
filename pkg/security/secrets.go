package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/ferry/pkg/types"
)

// ErrNoSecret is returned when a remote carries no sealed secret key
var ErrNoSecret = errors.New("remote has no secret key")

// Sealer encrypts remote credentials before they are stored
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer creates a sealer from a 32 byte AES-256 key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// NewSealerFromPassphrase derives the key from the master passphrase
func NewSealerFromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("master passphrase cannot be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewSealer(hash[:])
}

// Seal encrypts plaintext with AES-256-GCM. The nonce is prepended to the
// result.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	return s.seal(plaintext, nil)
}

// Open decrypts data sealed by Seal
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	return s.open(sealed, nil)
}

// seal authenticates aad along with plaintext; open fails unless given the
// same aad
func (s *Sealer) seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *Sealer) open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}
	nonceSize := s.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SealRemote stores the sealed secret key on an S3 remote. The key is bound
// to the remote name and cannot be opened for another remote.
func (s *Sealer) SealRemote(remote *types.Remote, secretKey string) error {
	sealed, err := s.seal([]byte(secretKey), []byte(remote.Name))
	if err != nil {
		return fmt.Errorf("failed to seal secret key of %s: %w", remote.Name, err)
	}
	remote.SecretKey = sealed
	return nil
}

// OpenRemote returns the plaintext secret key of an S3 remote
func (s *Sealer) OpenRemote(remote *types.Remote) (string, error) {
	if len(remote.SecretKey) == 0 {
		return "", fmt.Errorf("%s: %w", remote.Name, ErrNoSecret)
	}
	plaintext, err := s.open(remote.SecretKey, []byte(remote.Name))
	if err != nil {
		return "", fmt.Errorf("failed to open secret key of %s: %w", remote.Name, err)
	}
	return string(plaintext), nil
}
