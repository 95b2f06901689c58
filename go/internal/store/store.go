package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("path not found")
	ErrConflict    = errors.New("concurrent update conflict")
	ErrInvalidPath = errors.New("invalid path")
)

// Entry is one delivered value. Exists is false when the path holds no value,
// which readers must treat as a valid default state.
type Entry struct {
	Path   string
	Value  []byte
	Exists bool
}

// Handler receives the current value of a path immediately after subscribing
// and again on every subsequent change. Delivery is at-least-once and a fast
// sequence of writes may be coalesced into the latest value.
type Handler func(Entry)

// Subscription cancels a Subscribe or SubscribePrefix call.
type Subscription interface {
	Unsubscribe()
}

// Store is a path-addressable realtime key-value store with last-write-wins
// semantics per path.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	// Update merges top-level fields into the JSON object at path without
	// clobbering sibling fields. A nil field value removes the field. A field
	// named "parent/key" sets or removes one key of the object held in parent,
	// leaving the parent's other keys alone.
	Update(ctx context.Context, path string, fields map[string]any) error
	// List returns every path under prefix with its value.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Subscribe(ctx context.Context, path string, h Handler) (Subscription, error)
	SubscribePrefix(ctx context.Context, prefix string, h Handler) (Subscription, error)
	Close() error
}

// Join builds a store path from its segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// ValidatePath rejects empty segments and characters that cannot be mapped
// onto every backend's key space.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.ContainsAny(seg, ".*> \t") {
			return fmt.Errorf("%w: illegal character in %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// HasPrefix reports whether path lies under prefix (segment-aligned).
func HasPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// mergeFields applies a partial update to a JSON object document.
func mergeFields(current []byte, fields map[string]any) ([]byte, error) {
	doc := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("existing value is not an object: %w", err)
		}
	}
	for k, v := range fields {
		if parent, key, nested := strings.Cut(k, "/"); nested {
			if err := mergeNested(doc, parent, key, v); err != nil {
				return nil, err
			}
			continue
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal field %s: %w", k, err)
		}
		doc[k] = raw
	}
	return json.Marshal(doc)
}

func mergeNested(doc map[string]json.RawMessage, parent, key string, v any) error {
	inner := map[string]json.RawMessage{}
	if raw, ok := doc[parent]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("field %s is not an object: %w", parent, err)
		}
	}
	if v == nil {
		delete(inner, key)
	} else {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %s/%s: %w", parent, key, err)
		}
		inner[key] = raw
	}
	if len(inner) == 0 {
		delete(doc, parent)
		return nil
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return fmt.Errorf("marshal field %s: %w", parent, err)
	}
	doc[parent] = raw
	return nil
}
