package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport failures from a backend so callers can
// distinguish "the store is down" from a decision made on real data.
var ErrUnavailable = errors.New("store unavailable")

// ErrSubscribeUnsupported is returned by backends without change feeds.
var ErrSubscribeUnsupported = errors.New("subscribe not supported by this backend")

// Store is a path-keyed document store. Paths are slash-separated, e.g.
// sessions/{teacher}/{dept}/{class}/{sessionId}. Values are JSON-encoded.
//
// WriteIfAbsent is the primitive the attendance invariants rest on: it must
// be atomic, so two concurrent writers for the same path see exactly one
// winner.
type Store interface {
	// ReadAt unmarshals the document at path into out. Returns false when
	// the path is empty.
	ReadAt(ctx context.Context, path string, out any) (bool, error)

	// WriteIfAbsent writes v only if nothing exists at path yet.
	// Returns true when written, false when a document already existed.
	WriteIfAbsent(ctx context.Context, path string, v any) (bool, error)

	// Write unconditionally replaces the document at path.
	Write(ctx context.Context, path string, v any) error

	// Delete removes the document at path. Deleting an absent path is a
	// no-op.
	Delete(ctx context.Context, path string) error

	// List returns the paths of all documents whose path starts with
	// prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Subscribe invokes fn with the raw JSON document every time the path
	// changes. Used by presentation layers only; the returned func cancels
	// the subscription.
	Subscribe(ctx context.Context, path string, fn func(data []byte)) (func(), error)
}
