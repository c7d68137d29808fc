// Package sync propagates client mutations from the primary region to every
// configured regional replica. Delivery is at-least-once and unordered, so
// application must be idempotent and tolerant of replayed messages.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrelid/kestrel/internal/auth/domain"
	"github.com/kestrelid/kestrel/internal/auth/store"
)

// Target is one region's client store as seen by the replication layer.
// *resilient.ClientStore satisfies it.
type Target interface {
	Get(ctx context.Context, id string) (*domain.Client, error)
	Create(ctx context.Context, c domain.Client) (*domain.Client, error)
	Update(ctx context.Context, id string, upd domain.ClientUpdate) (*domain.Client, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Applier applies one replication message to one regional target.
//
// Application is idempotent by contract: a replayed create updates the
// existing record in place, and a replayed update or delete against a target
// already in the desired state is a no-op success. The queue redelivers
// whole messages after partial failure, so regions that already applied a
// message will see it again.
type Applier struct{}

// Apply executes the message's operation against the target.
func (Applier) Apply(ctx context.Context, target Target, msg domain.ReplicationMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	switch msg.Operation {
	case domain.OpCreate:
		return applyCreate(ctx, target, msg)
	case domain.OpUpdate:
		return applyUpdate(ctx, target, msg)
	case domain.OpDelete:
		return applyDelete(ctx, target, msg)
	default:
		return fmt.Errorf("apply: unknown operation %q", msg.Operation)
	}
}

func applyCreate(ctx context.Context, target Target, msg domain.ReplicationMessage) error {
	record := *msg.Data
	record.ID = msg.ClientID

	existing, err := target.Get(ctx, msg.ClientID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Replayed create: converge on the full payload in place.
		_, err := target.Update(ctx, msg.ClientID, record.AsUpdate())
		return err
	}

	_, err = target.Create(ctx, record)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the race against a concurrent replay of the same message.
		_, err = target.Update(ctx, msg.ClientID, record.AsUpdate())
	}
	return err
}

func applyUpdate(ctx context.Context, target Target, msg domain.ReplicationMessage) error {
	updated, err := target.Update(ctx, msg.ClientID, *msg.Updates)
	if err != nil {
		return err
	}
	if updated == nil {
		// The record is gone in this region (deleted, or its create has not
		// arrived yet). Either way the update has nothing to converge; a
		// surviving create replay carries the full payload.
		return nil
	}
	return nil
}

func applyDelete(ctx context.Context, target Target, msg domain.ReplicationMessage) error {
	// Delete is idempotent at the store layer: missing rows report false
	// without error.
	_, err := target.Delete(ctx, msg.ClientID)
	return err
}
