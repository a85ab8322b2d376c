package cache

import (
	"github.com/robfig/cron/v3"

	"github.com/r3e-cellvault/cellserver/pkg/logger"
)

// Scheduler periodically flushes learned query patterns to disk so a
// restart does not start cold.
type Scheduler struct {
	cron  *cron.Cron
	cache *Cache
	log   *logger.Logger
}

// NewScheduler wires cache.PersistPatterns to run on the given cron spec.
func NewScheduler(cache *Cache, spec string, log *logger.Logger) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, cache: cache, log: log}
	_, err := c.AddFunc(spec, func() {
		if err := cache.PersistPatterns(); err != nil && log != nil {
			log.WithField("error", err).Warn("failed to persist cache patterns")
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
