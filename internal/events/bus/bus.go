// Package bus provides message bus abstractions for bot command routing,
// meeting status fan-out, and the session-routing cache.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by KeyValue.Get when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

// Handler processes a message delivered on a subject. Payloads are raw JSON
// bytes; the wire shapes are owned by the events package.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// KeyValue is a small expiring key-value store backed by JetStream KV on
// NATS and a map in memory. Used for the meeting -> current session cache.
type KeyValue interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// EventBus is the transport for bot commands and meeting status events.
type EventBus interface {
	// Publish sends a payload to a subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards (* and >) are supported.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// KeyValue opens (creating if needed) a named KV bucket whose entries
	// expire after ttl.
	KeyValue(bucket string, ttl time.Duration) (KeyValue, error)

	// Close closes the connection, draining pending messages where the
	// transport supports it.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
