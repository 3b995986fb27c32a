// Package store provides conversation persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/cantor/internal/domain"
)

// ConversationStore persists one conversation log per session key.
// Implementations must be strongly consistent per key: a Get that follows a
// successful Put for the same key observes that Put.
type ConversationStore interface {
	// Get returns the stored log for key. found is false when nothing has
	// been stored yet.
	Get(ctx context.Context, key string) (log domain.ConversationLog, found bool, err error)

	// Put replaces the stored log for key.
	Put(ctx context.Context, key string, log domain.ConversationLog) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func encodeLog(log domain.ConversationLog) ([]byte, error) {
	if log == nil {
		log = domain.ConversationLog{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("encode conversation log: %w", err)
	}
	return data, nil
}

func decodeLog(data []byte) (domain.ConversationLog, error) {
	var log domain.ConversationLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("decode conversation log: %w", err)
	}
	return log.Clone(), nil
}
