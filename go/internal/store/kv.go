package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// KVConfig holds configuration for the NATS JetStream key-value backend.
type KVConfig struct {
	URL            string
	Bucket         string
	MaxReconnects  int
	ReconnectWait  time.Duration
	TTL            time.Duration // 0 keeps values until the bucket is purged
	MaxUpdateRetry int
	RetryDelay     time.Duration
}

// DefaultKVConfig returns default key-value backend configuration.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		URL:            nats.DefaultURL,
		Bucket:         "classroom",
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
		TTL:            12 * time.Hour,
		MaxUpdateRetry: 5,
		RetryDelay:     20 * time.Millisecond,
	}
}

// KVStore implements Store on a JetStream KeyValue bucket. Paths map to keys
// by replacing "/" with ".", so prefix subscriptions become ".>" watches.
type KVStore struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	config KVConfig
}

var _ Store = (*KVStore)(nil)

// NewKVStore connects to NATS and creates or binds the bucket.
func NewKVStore(ctx context.Context, cfg KVConfig) (*KVStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Classroom session state",
		History:     1,
		TTL:         cfg.TTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}

	log.Info().Str("bucket", cfg.Bucket).Str("url", nc.ConnectedUrl()).Msg("key-value store ready")
	return &KVStore{nc: nc, kv: kv, config: cfg}, nil
}

// Conn exposes the NATS connection for health checks.
func (s *KVStore) Conn() *nats.Conn { return s.nc }

func (s *KVStore) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := toKey(path)
	if err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return entry.Value(), nil
}

func (s *KVStore) Set(ctx context.Context, path string, value []byte) error {
	key, err := toKey(path)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

// Update does a read-merge-write guarded by the entry revision and retries
// when another writer got in first.
func (s *KVStore) Update(ctx context.Context, path string, fields map[string]any) error {
	key, err := toKey(path)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxUpdateRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.RetryDelay * time.Duration(attempt)):
			}
		}

		var current []byte
		var revision uint64
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value(), entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return fmt.Errorf("get %s: %w", path, err)
		}

		merged, err := mergeFields(current, fields)
		if err != nil {
			return fmt.Errorf("merge %s: %w", path, err)
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, key, merged)
		} else {
			_, err = s.kv.Update(ctx, key, merged, revision)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debug().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("revision conflict, retrying update")
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConflict, path, s.config.MaxUpdateRetry+1, lastErr)
}

func (s *KVStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	key, err := toKey(prefix)
	if err != nil {
		return nil, err
	}
	w, err := s.kv.Watch(ctx, key+".>", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", prefix, err)
	}
	defer func() { _ = w.Stop() }()

	out := make(map[string][]byte)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				// nil marks the end of the initial values
				return out, nil
			}
			out[fromKey(entry.Key())] = entry.Value()
		}
	}
}

func (s *KVStore) Subscribe(ctx context.Context, path string, h Handler) (Subscription, error) {
	key, err := toKey(path)
	if err != nil {
		return nil, err
	}
	return s.watch(ctx, key, path, false, h)
}

func (s *KVStore) SubscribePrefix(ctx context.Context, prefix string, h Handler) (Subscription, error) {
	key, err := toKey(prefix)
	if err != nil {
		return nil, err
	}
	return s.watch(ctx, key+".>", prefix, true, h)
}

func (s *KVStore) watch(ctx context.Context, filter, path string, prefix bool, h Handler) (Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w, err := s.kv.Watch(watchCtx, filter)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	sub := &kvSubscription{watcher: w, cancel: cancel}
	go func() {
		seen := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial values: an exact path with no value still
					// gets its "absent" delivery.
					if !prefix && !seen {
						h(Entry{Path: path, Exists: false})
					}
					continue
				}
				seen = true
				exists := entry.Operation() == jetstream.KeyValuePut
				h(Entry{Path: fromKey(entry.Key()), Value: entry.Value(), Exists: exists})
			}
		}
	}()
	return sub, nil
}

// Close closes the NATS connection.
func (s *KVStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

type kvSubscription struct {
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	once    sync.Once
}

func (k *kvSubscription) Unsubscribe() {
	k.once.Do(func() {
		k.cancel()
		if err := k.watcher.Stop(); err != nil {
			log.Debug().Err(err).Msg("failed to stop key watcher")
		}
	})
}

func toKey(path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	return strings.ReplaceAll(path, "/", "."), nil
}

func fromKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}
