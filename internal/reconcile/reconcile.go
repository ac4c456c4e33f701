// Package reconcile runs the background Reconciler and Expirer loops that
// heal drift between the registry and the live container runtime and sweep
// TTL-expired sandboxes.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/boxed/internal/driver"
	"github.com/akshayaggarwal99/boxed/internal/lifecycle"
	"github.com/akshayaggarwal99/boxed/internal/registry"
)

const (
	reconcilerCadence = 30 * time.Second
	expirerCadence    = 60 * time.Second
)

// Loops owns the Reconciler and Expirer background tickers.
type Loops struct {
	store   registry.Store
	drv     driver.Driver
	manager *lifecycle.Manager
}

// NewLoops builds Loops bound to store and drv. manager is used by the
// Expirer to issue non-graceful destroys for expired sandboxes.
func NewLoops(store registry.Store, drv driver.Driver, manager *lifecycle.Manager) *Loops {
	return &Loops{store: store, drv: drv, manager: manager}
}

// Run blocks, running both loops until ctx is cancelled. Both loops are
// idempotent — re-running them is harmless — so overlapping ticks (e.g.
// after a slow iteration) are not guarded against beyond the ticker itself.
func (l *Loops) Run(ctx context.Context) {
	go l.runReconciler(ctx)
	go l.runExpirer(ctx)
	<-ctx.Done()
}

func (l *Loops) runReconciler(ctx context.Context) {
	ticker := time.NewTicker(reconcilerCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.reconcileOnce(ctx); err != nil {
				log.Error().Err(err).Msg("reconcile iteration failed")
			}
		}
	}
}

func (l *Loops) runExpirer(ctx context.Context) {
	ticker := time.NewTicker(expirerCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.expireOnce(ctx); err != nil {
				log.Error().Err(err).Msg("expire iteration failed")
			}
		}
	}
}

// reconcileOnce lists containers carrying this orchestrator's managed
// label, then transitions any starting, ready, or running record whose
// container_id is absent from that live set to stopped/graceful_shutdown. Live containers
// not present in the registry (orphans) are logged, never auto-destroyed —
// their fate is operator policy.
func (l *Loops) reconcileOnce(ctx context.Context) error {
	liveIDs, err := l.drv.ListIDsWithLabel(ctx, lifecycle.ManagedLabelKey, lifecycle.ManagedLabelValue)
	if err != nil {
		return err
	}
	liveSet := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		liveSet[id] = struct{}{}
	}

	if err := l.store.Reconcile(ctx, liveSet); err != nil {
		return err
	}

	orphans := l.findOrphans(ctx, liveSet)
	for _, id := range orphans {
		log.Warn().Str("container_id", id).Msg("orphan container has no registry record; left for operator policy")
	}
	return nil
}

// findOrphans reports live container IDs that have no corresponding
// registry record at all.
func (l *Loops) findOrphans(ctx context.Context, liveSet map[string]struct{}) []string {
	recs, err := l.store.List(ctx, "")
	if err != nil {
		log.Error().Err(err).Msg("list records during orphan scan")
		return nil
	}
	known := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if rec.ContainerID != nil {
			known[*rec.ContainerID] = struct{}{}
		}
	}
	var orphans []string
	for id := range liveSet {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans
}

// expireOnce sweeps non-terminal records past expires_at, and issues a
// non-graceful destroy for each through the Lifecycle Manager.
func (l *Loops) expireOnce(ctx context.Context) error {
	expiredIDs, err := l.store.ExpireStale(ctx)
	if err != nil {
		return err
	}
	for _, id := range expiredIDs {
		log.Info().Str("sandbox_id", id).Msg("sandbox expired, destroying")
		if err := l.manager.DestroyContainer(ctx, id); err != nil {
			log.Error().Err(err).Str("sandbox_id", id).Msg("failed to destroy expired sandbox")
		}
	}
	return nil
}
