package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/credcache"
	"github.com/toolgate/toolgate/internal/reconcile"
	"github.com/toolgate/toolgate/internal/sessions"

	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
)

const reconcileTimeout = 2 * time.Minute

// Scheduler runs the coarse periodic maintenance the per-store sweeps do not
// cover: pushing cache-ahead tokens back to the durable store and reporting
// statistics for capacity planning.
type Scheduler struct {
	cron       *cron.Cron
	cache      *credcache.Store
	sessions   *sessions.Manager
	reconciler *reconcile.Reconciler
}

func NewScheduler(cache *credcache.Store, sessionManager *sessions.Manager, reconciler *reconcile.Reconciler) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		cache:      cache,
		sessions:   sessionManager,
		reconciler: reconciler,
	}
}

func (s *Scheduler) Start() error {
	if err := s.cron.AddFunc("@every 10m", s.safeRun(s.reconcileCached)); err != nil {
		return fmt.Errorf("failed to schedule reconciliation job: %w", err)
	}

	if err := s.cron.AddFunc("@every 10m", s.safeRun(s.reportStatistics)); err != nil {
		return fmt.Errorf("failed to schedule statistics job: %w", err)
	}

	s.cron.Start()
	log.Info().Msg("Maintenance scheduler started")

	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Info().Msg("Maintenance scheduler stopped")
}

// safeRun contains panics so one failing run cannot kill the cron entry.
func (s *Scheduler) safeRun(job func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Maintenance job panicked")
			}
		}()

		job()
	}
}

// reconcileCached walks the cached instances and pushes any entries that ran
// ahead of the durable store back down. Per-entry failures are logged and do
// not stop the walk.
func (s *Scheduler) reconcileCached() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	var updated, failed int
	for _, entry := range s.cache.Snapshot() {
		outcome, err := s.reconciler.Reconcile(ctx, entry.InstanceID, reconcile.Options{UpdateDatabase: true})
		if err != nil {
			failed++
			log.Warn().Err(err).Str("instance_id", entry.InstanceID).Msg("Periodic reconciliation failed for instance")
			continue
		}

		if outcome == reconcile.OutcomeDatabaseUpdated || outcome == reconcile.OutcomeCacheUpdated {
			updated++
		}
	}

	if updated > 0 || failed > 0 {
		log.Info().Int("updated", updated).Int("failed", failed).Msg("Periodic credential reconciliation finished")
	}
}

func (s *Scheduler) reportStatistics() {
	stats := s.cache.Statistics()

	log.Info().
		Int("cache_entries", stats.TotalEntries).
		Int("cache_expired", stats.ExpiredEntries).
		Int("cache_recently_used", stats.RecentlyUsed).
		Int("active_sessions", s.sessions.Len()).
		Msg("Credential subsystem statistics")
}
