package scheduler

import (
	"github.com/rs/zerolog"
)

// CacheEvictor drops expired cached data
type CacheEvictor interface {
	EvictExpired() bool
}

// CacheJanitorJob evicts the price cache once its TTL has lapsed so the
// next request fetches fresh quotes instead of serving stale ones
type CacheJanitorJob struct {
	cache CacheEvictor
	log   zerolog.Logger
}

// NewCacheJanitorJob creates the cache janitor
func NewCacheJanitorJob(cache CacheEvictor, log zerolog.Logger) *CacheJanitorJob {
	return &CacheJanitorJob{
		cache: cache,
		log:   log.With().Str("job", "cache_janitor").Logger(),
	}
}

// Name returns the job name
func (j *CacheJanitorJob) Name() string { return "cache_janitor" }

// Run evicts the cache when expired
func (j *CacheJanitorJob) Run() error {
	if j.cache.EvictExpired() {
		j.log.Debug().Msg("Evicted expired price cache")
	}
	return nil
}
