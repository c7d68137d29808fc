// Package resilient provides the fault-tolerant CRUD adapter for client
// records. Every operation runs inside the circuit breaker, with bounded
// retries inside the breaker, so a persistent outage fails fast instead of
// piling up retry storms.
package resilient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelid/kestrel/internal/auth/domain"
	"github.com/kestrelid/kestrel/internal/auth/resilience"
	"github.com/kestrelid/kestrel/internal/auth/store"
)

// Config tunes one adapter instance. Collection must be on the store
// allow-list; construction fails otherwise.
type Config struct {
	Collection string
	Breaker    resilience.BreakerConfig
	Retry      resilience.RetryConfig
}

// ClientStore is the resilient CRUD adapter over one backing store.
type ClientStore struct {
	db         store.Database
	collection string
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	logger     *slog.Logger
}

// NewClientStore builds an adapter named after the region or role it serves
// (the name scopes breaker logs and stats). The configured collection is
// checked against the fixed allow-list before any statement text is built
// from it.
func NewClientStore(name string, db store.Database, cfg Config, logger *slog.Logger) (*ClientStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = store.CollectionClients
	}
	if err := store.ValidateCollection(cfg.Collection); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = store.IsRetryable
	}

	return &ClientStore{
		db:         db,
		collection: cfg.Collection,
		breaker:    resilience.NewCircuitBreaker(name, cfg.Breaker, logger),
		retry:      cfg.Retry,
		logger:     logger.With("store", name, "collection", cfg.Collection),
	}, nil
}

// guarded wraps op as breaker(retry(op)): retries happen inside a single
// breaker-visible call so a burst of transient failures counts once against
// the failure threshold.
func (s *ClientStore) guarded(ctx context.Context, label string, op func(context.Context) error) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithRetry(ctx, label, s.retry, op)
	})
}

// Get returns the client, or nil if absent. An open breaker is also reported
// as nil: callers on this read path cannot distinguish "missing" from
// "degraded" and must consult BreakerStats when that matters.
func (s *ClientStore) Get(ctx context.Context, id string) (*domain.Client, error) {
	var c *domain.Client
	err := s.guarded(ctx, s.collection+".get", func(ctx context.Context) error {
		found, err := s.queryOne(ctx, id)
		if err != nil {
			return err
		}
		c = found
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Create inserts the client and returns it with generated timestamps.
// Replicated records arrive with producer timestamps, which are preserved.
// Failures propagate: there is no safe default for a failed create.
func (s *ClientStore) Create(ctx context.Context, c domain.Client) (*domain.Client, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.collection, strings.Join(clientColumns, ", "))

	err := s.guarded(ctx, s.collection+".create", func(ctx context.Context) error {
		_, err := s.db.Execute(ctx, stmt,
			c.ID,
			c.Name,
			nullString(c.SecretHash),
			joinList(c.RedirectURIs),
			joinList(c.GrantTypes),
			joinList(c.Scopes),
			c.Enabled,
			nullString(c.PrevSecretHash),
			nullMillis(c.PrevSecretExpiresAt),
			c.CreatedAt.UnixMilli(),
			c.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Update applies only the supplied fields. An empty update degenerates to
// Get. A missing target yields nil rather than an error; an open breaker
// propagates because a swallowed write would be silent data loss.
func (s *ClientStore) Update(ctx context.Context, id string, upd domain.ClientUpdate) (*domain.Client, error) {
	if upd.IsEmpty() {
		return s.Get(ctx, id)
	}

	stmt, args := s.buildUpdate(id, upd)

	var affected int64
	err := s.guarded(ctx, s.collection+".update", func(ctx context.Context) error {
		res, err := s.db.Execute(ctx, stmt, args...)
		if err != nil {
			return err
		}
		affected = res.Affected
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}

	return s.Get(ctx, id)
}

// Delete reports whether a row was removed. Missing rows and an open breaker
// both report false; deletion is idempotent, so no-op on missing is safe.
func (s *ClientStore) Delete(ctx context.Context, id string) (bool, error) {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE client_id = ?`, s.collection)

	var affected int64
	err := s.guarded(ctx, s.collection+".delete", func(ctx context.Context) error {
		res, err := s.db.Execute(ctx, stmt, id)
		if err != nil {
			return err
		}
		affected = res.Affected
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return affected > 0, nil
}

// List returns clients newest-first. It never fails: any failure, breaker
// included, degrades to an empty page. Availability over completeness on
// this read path.
func (s *ClientStore) List(ctx context.Context, p store.Pagination) []domain.Client {
	p = p.Normalize()

	stmt := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		strings.Join(clientColumns, ", "), s.collection)

	var out []domain.Client
	err := s.guarded(ctx, s.collection+".list", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, stmt, p.Limit, p.Offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		clients := make([]domain.Client, 0, p.Limit)
		for rows.Next() {
			c, err := scanClient(rows)
			if err != nil {
				return err
			}
			clients = append(clients, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = clients
		return nil
	})
	if err != nil {
		s.logger.Warn("list degraded to empty page", "error", err)
		return []domain.Client{}
	}
	return out
}

// BreakerStats exposes the guard's state for monitoring; an open circuit is
// invisible on read paths but observable here.
func (s *ClientStore) BreakerStats() resilience.BreakerStats {
	return s.breaker.Stats()
}

// ResetBreaker forces the breaker closed. Operator recovery.
func (s *ClientStore) ResetBreaker() {
	s.breaker.Reset()
}

var clientColumns = []string{
	"client_id",
	"client_name",
	"client_secret_hash",
	"redirect_uris",
	"grant_types",
	"scopes",
	"enabled",
	"previous_client_secret_hash",
	"previous_secret_expires_at",
	"created_at",
	"updated_at",
}

// buildUpdate assembles a parameterized UPDATE touching only supplied
// fields. Column names are fixed constants; values only ever travel as
// placeholders.
func (s *ClientStore) buildUpdate(id string, upd domain.ClientUpdate) (string, []any) {
	sets := make([]string, 0, 9)
	args := make([]any, 0, 10)

	set := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if upd.Name != nil {
		set("client_name", *upd.Name)
	}
	if upd.SecretHash != nil {
		set("client_secret_hash", nullString(*upd.SecretHash))
	}
	if upd.RedirectURIs != nil {
		set("redirect_uris", joinList(upd.RedirectURIs))
	}
	if upd.GrantTypes != nil {
		set("grant_types", joinList(upd.GrantTypes))
	}
	if upd.Scopes != nil {
		set("scopes", joinList(upd.Scopes))
	}
	if upd.Enabled != nil {
		set("enabled", *upd.Enabled)
	}
	if upd.PrevSecretHash != nil {
		set("previous_client_secret_hash", nullString(*upd.PrevSecretHash))
	}
	if upd.PrevSecretExpiresAt != nil {
		set("previous_secret_expires_at", nullMillis(upd.PrevSecretExpiresAt))
	}
	set("updated_at", time.Now().UTC().UnixMilli())

	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE client_id = ?`, s.collection, strings.Join(sets, ", "))
	args = append(args, id)
	return stmt, args
}

func (s *ClientStore) queryOne(ctx context.Context, id string) (*domain.Client, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE client_id = ?`,
		strings.Join(clientColumns, ", "), s.collection)

	rows, err := s.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}

	c, err := scanClient(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanClient(rows *sql.Rows) (domain.Client, error) {
	var (
		c                domain.Client
		secretHash       sql.NullString
		uris, grants     string
		scopes           string
		prevHash         sql.NullString
		prevExpires      sql.NullInt64
		created, updated int64
	)

	err := rows.Scan(
		&c.ID,
		&c.Name,
		&secretHash,
		&uris,
		&grants,
		&scopes,
		&c.Enabled,
		&prevHash,
		&prevExpires,
		&created,
		&updated,
	)
	if err != nil {
		return domain.Client{}, err
	}

	c.SecretHash = secretHash.String
	c.RedirectURIs = splitList(uris)
	c.GrantTypes = splitList(grants)
	c.Scopes = splitList(scopes)
	c.PrevSecretHash = prevHash.String
	if prevExpires.Valid {
		t := time.UnixMilli(prevExpires.Int64).UTC()
		c.PrevSecretExpiresAt = &t
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}

// Collection fields are stored space-joined, matching the rest of the
// platform's serialized list columns. None of the member values may contain
// spaces (URIs, grant names, scope names).
func joinList(items []string) string {
	return strings.Join(items, " ")
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
