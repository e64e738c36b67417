// Package store defines the PolicyStore interface and two backends: a
// JSON/YAML file store (fsstore.go) and a Postgres-backed store
// (policystore.go, on top of the connection-pool plumbing in postgres.go).
package store

import (
	"context"
	"errors"

	"github.com/latticeauth/abac/pkg/policy"
)

// ErrBackendUnavailable wraps any failure talking to the underlying
// storage medium (file I/O, SQL connection). Once pkg/cache holds a
// snapshot it catches this error and serves the last-good snapshot; a
// cold cache with no snapshot returns it, wrapped, to the decision path.
var ErrBackendUnavailable = errors.New("policy store backend unavailable")

// ErrPolicyNotFound is returned by LoadByName when no policy with that
// name exists in the backend.
var ErrPolicyNotFound = errors.New("policy not found")

// PolicyStore is the read-side contract every backend implements. Writes
// (create/update/delete) are out of scope; callers write through a
// separate administration surface, not this package.
type PolicyStore interface {
	LoadAll(ctx context.Context) ([]*policy.Policy, error)
	LoadByName(ctx context.Context, name string) (*policy.Policy, error)
}
