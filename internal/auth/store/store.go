// Package store defines the narrow data-access surface for client records:
// the backing-store capability consumed by adapters, the sentinel error
// taxonomy, and the collection allow-list.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrelid/kestrel/internal/auth/domain"
)

var (
	// ErrNotFound marks a missing row. Adapters convert it to nil/false at
	// their boundary; it never reaches adapter callers.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists marks a uniqueness violation. There is no safe
	// default for a failed create, so adapters propagate it as-is.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrTransient marks a network/lock-class failure worth retrying.
	ErrTransient = errors.New("store: transient failure")
)

// Result reports the outcome of a mutating statement.
type Result struct {
	Affected int64
}

// Database is the backing-store capability adapters depend on. Statements
// are always parameterized; drivers map their product-specific errors onto
// the sentinel taxonomy above.
type Database interface {
	Execute(ctx context.Context, stmt string, args ...any) (Result, error)
	Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error)
}

// Clients is the CRUD surface over one regional collection of client
// records. Implemented by the resilient adapter.
type Clients interface {
	// Get returns the client or nil when absent (or the breaker is open).
	Get(ctx context.Context, id string) (*domain.Client, error)

	// Create inserts the client and returns it with generated timestamps.
	// Uniqueness violations propagate.
	Create(ctx context.Context, c domain.Client) (*domain.Client, error)

	// Update applies the supplied fields only; an empty update behaves as
	// Get. Returns nil when the target does not exist.
	Update(ctx context.Context, id string, upd domain.ClientUpdate) (*domain.Client, error)

	// Delete reports whether a row existed and was removed. Missing rows and
	// an open breaker both report false.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns clients newest-first. It never fails; any induced
	// failure degrades to an empty page.
	List(ctx context.Context, p Pagination) []domain.Client
}

// Pagination bounds a List call. A zero Limit takes DefaultPageSize.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

func (p Pagination) withDefaults() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Normalize clamps the pagination to sane bounds.
func (p Pagination) Normalize() Pagination { return p.withDefaults() }

// Recognized collection names. Anything else supplied at adapter
// construction is a configuration error, not a runtime one.
const (
	CollectionClients     = "oauth_clients"
	CollectionTokenUsage  = "token_usage"
	CollectionSigningKeys = "signing_keys"
)

var allowedCollections = map[string]struct{}{
	CollectionClients:     {},
	CollectionTokenUsage:  {},
	CollectionSigningKeys: {},
}

// ValidateCollection rejects collection names outside the fixed allow-list.
// The name is later embedded into statement text, so attacker-influenced
// values must never get this far.
func ValidateCollection(name string) error {
	if _, ok := allowedCollections[name]; !ok {
		return fmt.Errorf("store: collection %q is not recognized", name)
	}
	return nil
}

// IsRetryable classifies an error for the retry executor. Not-found and
// conflict outcomes are facts about the data, not the dependency; transient
// failures and unknown errors are worth another attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
