package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store. Every subscription owns a delivery
// goroutine; pending values are coalesced per path so a slow handler only
// ever sees the latest value.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		subs: make(map[*memorySubscription]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[path] = clone(value)
	s.notifyLocked(Entry{Path: path, Value: clone(value), Exists: true})
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := mergeFields(s.data[path], fields)
	if err != nil {
		return err
	}
	s.data[path] = merged
	s.notifyLocked(Entry{Path: path, Value: clone(merged), Exists: true})
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for p, v := range s.data {
		if HasPrefix(p, prefix) {
			out[p] = clone(v)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, h Handler) (Subscription, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, path, false, h), nil
}

func (s *MemoryStore) SubscribePrefix(ctx context.Context, prefix string, h Handler) (Subscription, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, prefix, true, h), nil
}

// Close drops every subscription. Reads and writes keep working so late
// callbacks during teardown do not fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (s *MemoryStore) subscribe(ctx context.Context, path string, prefix bool, h Handler) *memorySubscription {
	sub := &memorySubscription{
		store:   s,
		path:    path,
		prefix:  prefix,
		handler: h,
		pending: make(map[string]Entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if !s.closed {
		s.subs[sub] = struct{}{}
	}
	// Seed the current value while holding the lock so no write slips between
	// the snapshot and registration.
	if prefix {
		paths := make([]string, 0)
		for p := range s.data {
			if HasPrefix(p, path) {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)
		for _, p := range paths {
			sub.enqueue(Entry{Path: p, Value: clone(s.data[p]), Exists: true})
		}
	} else {
		v, ok := s.data[path]
		sub.enqueue(Entry{Path: path, Value: clone(v), Exists: ok})
	}
	s.mu.Unlock()

	go sub.run(ctx)
	return sub
}

func (s *MemoryStore) notifyLocked(e Entry) {
	for sub := range s.subs {
		if sub.matches(e.Path) {
			sub.enqueue(e)
		}
	}
}

func (s *MemoryStore) remove(sub *memorySubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type memorySubscription struct {
	store   *MemoryStore
	path    string
	prefix  bool
	handler Handler

	mu      sync.Mutex
	pending map[string]Entry
	order   []string

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (m *memorySubscription) matches(path string) bool {
	if m.prefix {
		return HasPrefix(path, m.path)
	}
	return path == m.path
}

func (m *memorySubscription) enqueue(e Entry) {
	m.mu.Lock()
	if _, queued := m.pending[e.Path]; !queued {
		m.order = append(m.order, e.Path)
	}
	m.pending[e.Path] = e
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *memorySubscription) drain() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, m.pending[p])
	}
	m.pending = make(map[string]Entry)
	m.order = m.order[:0]
	return out
}

func (m *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.Unsubscribe()
			return
		case <-m.done:
			return
		case <-m.wake:
			for _, e := range m.drain() {
				select {
				case <-m.done:
					return
				default:
				}
				m.deliver(e)
			}
		}
	}
}

func (m *memorySubscription) deliver(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("path", e.Path).Msg("subscription handler panicked")
		}
	}()
	m.handler(e)
}

func (m *memorySubscription) Unsubscribe() {
	m.once.Do(func() {
		m.store.remove(m)
		close(m.done)
	})
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
