package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sealPrefix marks an encrypted session_state column. Rows written before a
// secret was configured carry plain JSON and are read back unchanged.
var sealPrefix = []byte("gcm1:")

var ErrSealed = errors.New("storage: session state is encrypted and no secret is configured")

// sealer encrypts account session state at rest with AES-256-GCM. A nil
// sealer stores plaintext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(secret string) (*sealer, error) {
	if secret == "" {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("geopub session state")), key); err != nil {
		return nil, fmt.Errorf("storage: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storage: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: gcm: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plain []byte) ([]byte, error) {
	if s == nil || len(plain) == 0 {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("storage: nonce: %w", err)
	}
	box := s.aead.Seal(nonce, nonce, plain, nil)
	out := make([]byte, len(sealPrefix)+base64.StdEncoding.EncodedLen(len(box)))
	copy(out, sealPrefix)
	base64.StdEncoding.Encode(out[len(sealPrefix):], box)
	return out, nil
}

func (s *sealer) open(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, sealPrefix) {
		return stored, nil
	}
	if s == nil {
		return nil, ErrSealed
	}
	box, err := base64.StdEncoding.DecodeString(string(stored[len(sealPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("storage: decode session state: %w", err)
	}
	n := s.aead.NonceSize()
	if len(box) < n {
		return nil, errors.New("storage: session state too short")
	}
	plain, err := s.aead.Open(nil, box[:n], box[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt session state: %w", err)
	}
	return plain, nil
}
