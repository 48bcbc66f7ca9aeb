package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// InMemoryMediaStore is a MediaStore backed by process memory. It exists
// for tests and local runs; production deployments plug a real blob
// backend into the same contract.
type InMemoryMediaStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
	baseURL string
}

type storedObject struct {
	data []byte
	meta MediaMetadata
}

// NewInMemoryMediaStore creates an empty store. URLs are formed as
// baseURL + "/" + storageKey.
func NewInMemoryMediaStore(baseURL string) *InMemoryMediaStore {
	if baseURL == "" {
		baseURL = "memory://media"
	}
	return &InMemoryMediaStore{
		objects: make(map[string]storedObject),
		baseURL: baseURL,
	}
}

// Store reads the stream fully into memory and records it under a
// generated storage key.
func (s *InMemoryMediaStore) Store(ctx context.Context, r io.Reader, meta MediaMetadata) (*StoredMedia, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("failed to read media stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := meta.FileName
	if key == "" {
		key = uuid.NewString()
	}

	s.mu.Lock()
	s.objects[key] = storedObject{data: buf.Bytes(), meta: meta}
	s.mu.Unlock()

	return &StoredMedia{
		URL:        s.baseURL + "/" + key,
		StorageKey: key,
		SizeBytes:  int64(buf.Len()),
	}, nil
}

// Get opens a stored object for reading.
func (s *InMemoryMediaStore) Get(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[storageKey]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("media object not found: %s", storageKey)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Len returns the number of stored objects.
func (s *InMemoryMediaStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Metadata returns the metadata recorded for a key.
func (s *InMemoryMediaStore) Metadata(storageKey string) (MediaMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[storageKey]
	return obj.meta, ok
}
