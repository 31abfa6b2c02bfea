package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// MemoryClient is an in-process object store.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
	aborted int
}

// NewMemoryClient creates an empty store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

// Put implements Client.
func (c *MemoryClient) Put(_ context.Context, key string, data []byte, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = bytes.Clone(data)
	return nil
}

// Get returns a stored object.
func (c *MemoryClient) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.objects[key]
	return data, ok
}

// Keys returns every stored key in order.
func (c *MemoryClient) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Aborted returns the number of aborted uploads.
func (c *MemoryClient) Aborted() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aborted
}

// List implements Client.
func (c *MemoryClient) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ObjectInfo
	for k, v := range c.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete implements Client.
func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
	return nil
}

// Move implements Client.
func (c *MemoryClient) Move(_ context.Context, srcKey, dstKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[srcKey]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "no such key %s", srcKey)
	}
	c.objects[dstKey] = data
	delete(c.objects, srcKey)
	return nil
}

// StartMultipart implements Client.
func (c *MemoryClient) StartMultipart(_ context.Context, key, _ string) (Upload, error) {
	return &memoryUpload{client: c, key: key, parts: make(map[int][]byte)}, nil
}

// Close implements Client.
func (c *MemoryClient) Close() error { return nil }

type memoryUpload struct {
	client *MemoryClient
	key    string

	mu     sync.Mutex
	parts  map[int][]byte
	last   int
	closed bool
}

func (u *memoryUpload) Key() string { return u.key }

func (u *memoryUpload) UploadPart(_ context.Context, index int, data []byte) (PartETag, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return PartETag{}, ErrUploadClosed
	}
	if err := checkOrder(u.key, u.last, index); err != nil {
		return PartETag{}, err
	}
	u.parts[index] = bytes.Clone(data)
	u.last = index
	return PartETag{Index: index, ETag: fmt.Sprintf("%s-%d", u.key, index)}, nil
}

func (u *memoryUpload) Complete(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUploadClosed
	}
	u.closed = true

	indices := make([]int, 0, len(u.parts))
	for i := range u.parts {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	var buf bytes.Buffer
	for _, i := range indices {
		buf.Write(u.parts[i])
	}
	return u.client.Put(ctx, u.key, buf.Bytes(), "")
}

func (u *memoryUpload) Abort(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.client.mu.Lock()
	u.client.aborted++
	u.client.mu.Unlock()
	return nil
}
