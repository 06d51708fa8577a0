// Package blobstore defines the encrypted content-addressed storage boundary.
//
// The orchestration core never holds raw document or selfie bytes; it passes
// ContentRefs to stage adapters, which fetch what they need. Production
// deployments back this with an object store and external key management;
// the in-memory implementation here encrypts at rest with a process-local
// key and serves tests and single-node wiring.
package blobstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"verifid/pkg/platform/sentinel"
)

// ContentRef is an opaque handle to stored content. Refs are derived from the
// content fingerprint, so identical bytes always map to the same ref.
type ContentRef string

// Fingerprint is the hex SHA-256 of the stored bytes, used for submission
// idempotency.
type Fingerprint string

// Store is the encrypted blob storage contract.
type Store interface {
	Put(ctx context.Context, data []byte) (ContentRef, Fingerprint, error)
	Get(ctx context.Context, ref ContentRef) ([]byte, error)
	Delete(ctx context.Context, ref ContentRef) error
}

// FingerprintBytes computes the content fingerprint without storing anything.
func FingerprintBytes(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// InMemoryStore keeps encrypted blobs in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	key   []byte
	blobs map[ContentRef][]byte
}

// NewInMemoryStore creates a store with a fresh random encryption key.
func NewInMemoryStore() (*InMemoryStore, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate blob key: %w", err)
	}
	return &InMemoryStore{key: key, blobs: make(map[ContentRef][]byte)}, nil
}

// Put encrypts and stores data, returning its ref and fingerprint. Storing
// the same bytes twice is a no-op returning the same ref.
func (s *InMemoryStore) Put(_ context.Context, data []byte) (ContentRef, Fingerprint, error) {
	fp := FingerprintBytes(data)
	ref := ContentRef("blob:" + string(fp))

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, data, []byte(ref))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[ref]; !exists {
		s.blobs[ref] = sealed
	}
	return ref, fp, nil
}

// Get decrypts and returns the content for ref.
func (s *InMemoryStore) Get(_ context.Context, ref ContentRef) ([]byte, error) {
	s.mu.RLock()
	sealed, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	data, err := aead.Open(nil, nonce, ciphertext, []byte(ref))
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return data, nil
}

// Delete removes the content for ref. Deleting a missing ref is not an error;
// the retention job may race its own re-runs.
func (s *InMemoryStore) Delete(_ context.Context, ref ContentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}
