package credcache

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type WatcherConfig struct {
	SweepInterval   time.Duration
	ExpiryTolerance time.Duration
	StaleThreshold  time.Duration
	MaxEntries      int
	StatsInterval   time.Duration
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		SweepInterval:   30 * time.Second,
		ExpiryTolerance: 30 * time.Second,
		StaleThreshold:  24 * time.Hour,
		MaxEntries:      10000,
		StatsInterval:   10 * time.Minute,
	}
}

// Watcher periodically evicts expired, stale and excess entries from the
// store. It runs independently of request handling and keeps running no
// matter what a single sweep does.
type Watcher struct {
	store  *Store
	config WatcherConfig
	clock  clockwork.Clock

	cancel       context.CancelFunc
	done         chan struct{}
	lastStatsLog time.Time
}

func NewWatcher(store *Store, config WatcherConfig, clock clockwork.Clock) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Watcher{
		store:  store,
		config: config,
		clock:  clock,
	}
}

// Start launches the sweep loop. Call Stop to terminate it.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)

	log.Info().
		Dur("sweep_interval", w.config.SweepInterval).
		Int("max_entries", w.config.MaxEntries).
		Msg("Credential watcher started")
}

// Stop terminates the sweep loop and waits for the in-flight sweep to finish.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done

	log.Info().Msg("Credential watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := w.clock.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.safeSweep()
		}
	}
}

// safeSweep contains panics so one failing cycle cannot kill future sweeps.
func (w *Watcher) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Credential sweep panicked")
		}
	}()

	w.Sweep()
}

type SweepResult struct {
	Healthy     int
	Expired     int
	Stale       int
	OverLimit   int
	ProcessErrs int
}

// Sweep runs one maintenance pass. Exported so tests and the maintenance
// scheduler can drive it directly.
func (w *Watcher) Sweep() SweepResult {
	now := w.clock.Now()
	var result SweepResult

	for _, entry := range w.store.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					result.ProcessErrs++
					log.Error().
						Interface("panic", r).
						Str("instance_id", entry.InstanceID).
						Msg("Failed to process cache entry during sweep")
				}
			}()

			switch {
			case entry.ExpiresAt.Sub(now) <= w.config.ExpiryTolerance:
				w.store.Remove(entry.InstanceID)
				result.Expired++
			case now.Sub(entry.LastUsedAt) >= w.config.StaleThreshold:
				w.store.Remove(entry.InstanceID)
				result.Stale++
			default:
				result.Healthy++
			}
		}()
	}

	result.OverLimit = w.evictOverLimit()

	if result.Expired > 0 || result.Stale > 0 || result.OverLimit > 0 {
		log.Info().
			Int("expired", result.Expired).
			Int("stale", result.Stale).
			Int("over_limit", result.OverLimit).
			Int("healthy", result.Healthy).
			Msg("Credential sweep evicted entries")
	}

	if now.Sub(w.lastStatsLog) >= w.config.StatsInterval {
		w.lastStatsLog = now
		stats := w.store.Statistics()

		log.Info().
			Int("total_entries", stats.TotalEntries).
			Int("expired_entries", stats.ExpiredEntries).
			Int("recently_used", stats.RecentlyUsed).
			Int64("estimated_memory_bytes", stats.EstimatedMemoryB).
			Msg("Credential cache statistics")
	}

	return result
}

// evictOverLimit drops least-recently-used entries until the store is back
// under MaxEntries. Returns how many were evicted.
func (w *Watcher) evictOverLimit() int {
	excess := w.store.Len() - w.config.MaxEntries
	if excess <= 0 {
		return 0
	}

	entries := w.store.Snapshot()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsedAt.Before(entries[j].LastUsedAt)
	})

	evicted := 0
	for _, entry := range entries {
		if evicted >= excess {
			break
		}
		if w.store.Remove(entry.InstanceID) {
			evicted++
		}
	}

	return evicted
}
