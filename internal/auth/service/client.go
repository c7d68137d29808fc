package service

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelid/kestrel/internal/auth/domain"
	"github.com/kestrelid/kestrel/internal/auth/queue"
	"github.com/kestrelid/kestrel/internal/auth/store"
	"github.com/kestrelid/kestrel/pkg/cryptox"
	"github.com/kestrelid/kestrel/pkg/idx"
	"github.com/kestrelid/kestrel/pkg/slogx"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")
)

// PrevSecretGracePeriod is how long a rotated-out secret keeps verifying.
const PrevSecretGracePeriod = 24 * time.Hour

// ClientRegistry performs client CRUD against the primary region and
// publishes a replication message after every successful mutation so the
// sync consumer can bring the secondary regions up to date.
type ClientRegistry struct {
	Store    store.Clients
	Producer queue.Producer
}

// Register creates a new OAuth client. If confidential is true a secret is
// generated and returned in plaintext exactly once; only its hash is stored.
func (s *ClientRegistry) Register(
	ctx context.Context,
	name string,
	redirectURIs []string,
	grantTypes []string,
	scopes []string,
	confidential bool,
) (client *domain.Client, plaintextSecret string, err error) {
	l := slogx.FromContext(ctx)

	var secretHash string
	if confidential {
		secret, err := cryptox.GenerateSecret()
		if err != nil {
			l.Error("failed to generate client secret", "error", err)
			return nil, "", err
		}
		plaintextSecret = secret

		secretHash, err = cryptox.HashSecret(secret)
		if err != nil {
			l.Error("failed to hash client secret", "error", err)
			return nil, "", err
		}
	}

	created, err := s.Store.Create(ctx, domain.Client{
		ID:           idx.New().String(),
		Name:         name,
		SecretHash:   secretHash,
		RedirectURIs: redirectURIs,
		GrantTypes:   grantTypes,
		Scopes:       scopes,
		Enabled:      true,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, "", ErrClientExists
		}
		l.Error("failed to create client", "error", err)
		return nil, "", err
	}

	s.publish(ctx, domain.NewCreateMessage(*created))

	l.Info("client registered", "client_id", created.ID, "name", name, "has_secret", confidential)
	return created, plaintextSecret, nil
}

// Update applies a partial field set to a client.
func (s *ClientRegistry) Update(ctx context.Context, clientID string, upd domain.ClientUpdate) (*domain.Client, error) {
	l := slogx.FromContext(ctx)

	updated, err := s.Store.Update(ctx, clientID, upd)
	if err != nil {
		l.Error("failed to update client", "error", err, "client_id", clientID)
		return nil, err
	}
	if updated == nil {
		return nil, ErrClientNotFound
	}

	if !upd.IsEmpty() {
		s.publish(ctx, domain.NewUpdateMessage(clientID, upd))
	}

	l.Info("client updated", "client_id", clientID)
	return updated, nil
}

// RotateSecret replaces the client's secret, keeping the previous hash valid
// for a grace period so in-flight deployments can roll over. The new secret
// is returned in plaintext exactly once.
func (s *ClientRegistry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	l := slogx.FromContext(ctx)

	current, err := s.Store.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", ErrClientNotFound
	}

	secret, err := cryptox.GenerateSecret()
	if err != nil {
		l.Error("failed to generate rotated secret", "error", err)
		return "", err
	}
	newHash, err := cryptox.HashSecret(secret)
	if err != nil {
		l.Error("failed to hash rotated secret", "error", err)
		return "", err
	}

	prevHash := current.SecretHash
	prevExpiry := time.Now().UTC().Add(PrevSecretGracePeriod)
	upd := domain.ClientUpdate{
		SecretHash:          &newHash,
		PrevSecretHash:      &prevHash,
		PrevSecretExpiresAt: &prevExpiry,
	}

	updated, err := s.Store.Update(ctx, clientID, upd)
	if err != nil {
		l.Error("failed to rotate client secret", "error", err, "client_id", clientID)
		return "", err
	}
	if updated == nil {
		return "", ErrClientNotFound
	}

	s.publish(ctx, domain.NewUpdateMessage(clientID, upd))

	l.Info("client secret rotated", "client_id", clientID, "previous_valid_until", prevExpiry)
	return secret, nil
}

// Remove deletes a client. Removing an already-absent client reports
// ErrClientNotFound without publishing.
func (s *ClientRegistry) Remove(ctx context.Context, clientID string) error {
	l := slogx.FromContext(ctx)

	deleted, err := s.Store.Delete(ctx, clientID)
	if err != nil {
		l.Error("failed to delete client", "error", err, "client_id", clientID)
		return err
	}
	if !deleted {
		return ErrClientNotFound
	}

	s.publish(ctx, domain.NewDeleteMessage(clientID))

	l.Info("client deleted", "client_id", clientID)
	return nil
}

// Get returns a client or nil when absent.
func (s *ClientRegistry) Get(ctx context.Context, clientID string) (*domain.Client, error) {
	return s.Store.Get(ctx, clientID)
}

// List returns clients newest-first.
func (s *ClientRegistry) List(ctx context.Context, p store.Pagination) []domain.Client {
	return s.Store.List(ctx, p)
}

// publish enqueues the replication message for the sync consumer. A publish
// failure does not roll back the primary write; it is logged loudly because
// the secondaries will lag until an operator replays the mutation.
func (s *ClientRegistry) publish(ctx context.Context, msg domain.ReplicationMessage) {
	l := slogx.FromContext(ctx)

	payload, err := domain.EncodeMessage(msg)
	if err != nil {
		l.Error("failed to encode replication message",
			"error", err, "operation", string(msg.Operation), "client_id", msg.ClientID)
		return
	}
	if err := s.Producer.Publish(ctx, payload); err != nil {
		l.Error("failed to publish replication message, regions will lag",
			"error", err, "operation", string(msg.Operation), "client_id", msg.ClientID)
	}
}
