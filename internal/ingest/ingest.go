// Package ingest manages active ingest connections, coupling transport
// stream byte readers with metadata, lifecycle signaling, and buffering
// session dispatch.
package ingest

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SourceStats captures connection-level metrics for an ingest source,
// exposed for monitoring source health.
type SourceStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source represents one active ingest connection. Bytes written to the
// internal pipe by the transport receiver are read by the buffering
// session on the other side.
type Source struct {
	Key       string
	StartedAt time.Time

	input io.ReadCloser
	pw    io.WriteCloser
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the
// receiver after each successful socket read.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection for
// diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done returns a channel closed when the source is unregistered.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of connection metrics.
func (s *Source) Stats() SourceStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SourceStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest sources by stream key and dispatches new
// sources to the onSource callback for buffering session setup. It is
// the rendezvous point between the transport layer and the buffering
// engine.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(key string, input io.Reader)
}

// NewRegistry creates a Registry. The onSource callback is invoked on
// its own goroutine whenever a new source is registered.
func NewRegistry(onSource func(key string, input io.Reader)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register creates a new ingest source under the given stream key,
// returning the Source and the Writer the transport receiver should
// write into. Registering a key that is already active is an error.
func (r *Registry) Register(key string) (*Source, io.Writer, error) {
	pr, pw := io.Pipe()

	source := &Source{
		Key:       key,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.sources[key]; exists {
		r.mu.Unlock()
		pw.Close()
		return nil, nil, fmt.Errorf("ingest source %q already active", key)
	}
	r.sources[key] = source
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(key, pr)
	}

	return source, pw, nil
}

// Unregister removes a source by key, closing its pipe and signaling
// Done. Unknown keys are ignored.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	source, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if ok {
		source.pw.Close()
		close(source.done)
	}
}

// Get returns the Source for the given key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// Keys returns the active stream keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sources))
	for k := range r.sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
