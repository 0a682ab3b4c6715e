// Package remote defines the Remote Authoritative Store contract: a
// networked document store offering per-document get/put/delete, atomic
// multi-document transactions, equality/range queries, and push-based
// change subscriptions. The store is the source of truth whenever it is
// reachable; the local cache mirrors it.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Change is one entry of a collection's change stream.
type Change struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Doc        json.RawMessage `json:"doc,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// Op is a query comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpGt Op = ">"
	OpLt Op = "<"
)

// Query selects documents of a collection by a single field comparison.
// Implementations may only support the (collection, field) combinations the
// application indexes; unsupported combinations return an error rather than
// scanning.
type Query struct {
	Collection string
	Field      string
	Op         Op
	Value      any
	OrderBy    string
	Desc       bool
	Limit      int
}

// Doc is a query result: a document and the path it lives at.
type Doc struct {
	Path string
	Data json.RawMessage
}

// Tx stages reads and writes inside a transaction. Reads observe committed
// state; writes become visible atomically when the transaction commits.
// Only paths declared to RunTransaction may be read or written.
type Tx interface {
	Get(path string) ([]byte, error)
	Put(path string, data []byte)
	Delete(path string)
}

// Store is the remote document store client.
type Store interface {
	// Ping reports reachability; the connectivity monitor probes it.
	Ping(ctx context.Context) error

	// Get returns the document at path, or domain.ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error

	// RunTransaction runs fn against the documents at paths with
	// all-or-nothing semantics. fn may be invoked more than once under
	// optimistic concurrency, so it must be free of side effects beyond
	// the Tx.
	RunTransaction(ctx context.Context, paths []string, fn func(tx Tx) error) error

	Query(ctx context.Context, q Query) ([]Doc, error)
	Count(ctx context.Context, q Query) (int64, error)

	// Subscribe returns a stream of changes for a collection plus a
	// deterministic unsubscribe. The stream closes after unsubscribe or
	// when ctx is cancelled.
	Subscribe(ctx context.Context, collection string) (<-chan Change, func(), error)

	Close() error
}

// DocPath builds a document path from collection and id.
func DocPath(collection, id string) string {
	return collection + "/" + id
}

// SplitPath splits a document path into collection and id.
func SplitPath(path string) (collection, id string, err error) {
	i := strings.IndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("malformed document path %q", path)
	}
	return path[:i], path[i+1:], nil
}
