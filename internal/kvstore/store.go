package kvstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: closed")

// Store is durable key to bytes storage.
//
// Get reports a missing key as (nil, false, nil); a missing key is not an
// error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Op is a single write inside a batch.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// PutOp returns an Op that stores value under key.
func PutOp(key string, value []byte) Op {
	return Op{Key: key, Value: value}
}

// DeleteOp returns an Op that removes key.
func DeleteOp(key string) Op {
	return Op{Key: key, Delete: true}
}

// Batcher is implemented by backends that commit several writes atomically.
type Batcher interface {
	Apply(ctx context.Context, ops ...Op) error
}

// Apply writes ops to s, atomically when s implements Batcher.
func Apply(ctx context.Context, s Store, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	if b, ok := s.(Batcher); ok {
		return b.Apply(ctx, ops...)
	}
	for _, op := range ops {
		var err error
		if op.Delete {
			err = s.Delete(ctx, op.Key)
		} else {
			err = s.Put(ctx, op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", op.Key, err)
		}
	}
	return nil
}
