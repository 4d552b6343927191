// Package blob stores raw uploaded documents and hands back a durable URL for
// each object.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("blob not found")

// Store puts an object under key and returns a URL the client can fetch it
// from. Putting the same key twice overwrites the object.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// Signer is implemented by stores whose stored URLs are stable object
// locations that must be turned into a short-lived link before a client can
// fetch them. URLs the store did not issue are returned unchanged.
type Signer interface {
	SignURL(ctx context.Context, storedURL string) (string, error)
}

// ChatObjectKey is the storage key for a document attached to a chat.
func ChatObjectKey(chatID, fileName string) string {
	return "chats/" + strings.TrimSpace(chatID) + "/" + strings.TrimLeft(strings.TrimSpace(fileName), "/")
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("key %q escapes its prefix", key)
		}
	}
	return nil
}

// escapeKey percent-encodes each path segment of key.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]memoryObject
}

func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("object size mismatch: expected %d bytes, read %d", size, len(data))
	}

	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return m.baseURL + "/" + escapeKey(key), nil
}

// Get returns the stored bytes and content type of key.
func (m *MemoryStore) Get(key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return bytes.Clone(obj.data), obj.contentType, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
