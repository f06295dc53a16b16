// Package memory keeps scraped items in memory; used when no durable backend
// is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Object is one stored payload.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore stores items in a map and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject reads data fully and stores a copy under path.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{ContentType: contentType, Data: body}
	return "memory://" + path, nil
}

// Get returns a copy of the object stored under path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Paths lists stored paths in order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
