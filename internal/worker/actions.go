// Package worker holds the two long-running queue consumers and the
// remote-mutating actions they perform.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lemmyfed/subwoofer/internal/lemmy"
	"github.com/lemmyfed/subwoofer/internal/types"
)

// API is the authenticated slice of the Lemmy client the workers use.
type API interface {
	Resolve(ctx context.Context, actorID string) (int64, error)
	Follow(ctx context.Context, communityID int64, follow bool) error
}

// Store is the ledger surface the workers need.
type Store interface {
	Has(ctx context.Context, addr string) (bool, error)
	Get(ctx context.Context, addr string) (int64, bool, error)
	Put(ctx context.Context, addr string, state int64) error
}

// Actions performs resolve, subscribe, and unsubscribe against the
// home server and records outcomes in the ledger. A ledger write only
// happens after the corresponding remote call has succeeded.
type Actions struct {
	api    API
	ledger Store
	log    *zap.SugaredLogger
}

// NewActions creates the action set.
func NewActions(api API, ledger Store, log *zap.SugaredLogger) *Actions {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Actions{api: api, ledger: ledger, log: log}
}

// ResolveCommunity returns the community's numeric ID on the home
// server, reusing a cached ledger ID when one exists. A semantic
// not-found is a soft failure: it returns 0 with a nil error so the
// pass moves on and a later scan can try again. Only the
// absent → resolved transition is persisted here; a subscribed
// sentinel is never overwritten by a resolve.
func (a *Actions) ResolveCommunity(ctx context.Context, addr string) (int64, error) {
	state, present, err := a.ledger.Get(ctx, addr)
	if err != nil {
		return 0, err
	}
	if present && state > 0 {
		return state, nil
	}

	id, err := a.api.Resolve(ctx, addr)
	if errors.Is(err, lemmy.ErrNotFound) {
		a.log.Warnw("could not resolve community", "community", addr)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if !present {
		if err := a.ledger.Put(ctx, addr, id); err != nil {
			return 0, err
		}
	}
	a.log.Infow("resolved", "community", addr, "id", id)
	return id, nil
}

// SubscribeCommunity resolves the community and follows it, then
// promotes the ledger entry to the subscribed sentinel. The sentinel
// supersedes the numeric ID for dedup purposes.
func (a *Actions) SubscribeCommunity(ctx context.Context, addr string) error {
	state, present, err := a.ledger.Get(ctx, addr)
	if err != nil {
		return err
	}
	if present && state == types.StateSubscribed {
		return nil
	}

	id, err := a.ResolveCommunity(ctx, addr)
	if err != nil {
		return err
	}
	if id <= 0 {
		// Soft resolve failure; eligible again next pass.
		return nil
	}

	if err := a.api.Follow(ctx, id, true); err != nil {
		return fmt.Errorf("failed to follow %s: %w", addr, err)
	}
	if err := a.ledger.Put(ctx, addr, types.StateSubscribed); err != nil {
		return err
	}
	a.log.Infow("subscribed", "community", addr)
	return nil
}

// UnsubscribeCommunity unfollows the community and stores the resolved
// numeric ID back into the ledger, reverting the subscribed sentinel.
// Used only by the reset path.
func (a *Actions) UnsubscribeCommunity(ctx context.Context, addr string) error {
	id, err := a.ResolveCommunity(ctx, addr)
	if err != nil {
		return err
	}
	if id <= 0 {
		return fmt.Errorf("cannot unsubscribe %s: resolve failed", addr)
	}

	if err := a.api.Follow(ctx, id, false); err != nil {
		return fmt.Errorf("failed to unfollow %s: %w", addr, err)
	}
	if err := a.ledger.Put(ctx, addr, id); err != nil {
		return err
	}
	a.log.Infow("unsubscribed", "community", addr, "id", id)
	return nil
}
