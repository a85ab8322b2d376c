package cryptocore

import (
	"github.com/robfig/cron/v3"
)

// Scheduler periodically flushes the derived-key cache on a cron schedule
// (typically every 24h). Master-secret rotation is intentionally not
// scheduled here: it is a deliberate admin operation, not an automatic
// background task.
type Scheduler struct {
	cron *cron.Cron
	core *Core
}

// NewScheduler wires a cron schedule (standard 5-field expression, or a
// "@every" descriptor) to Core.RotateDerivedKeyCache.
func NewScheduler(core *Core, spec string) (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, core.RotateDerivedKeyCache); err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, core: core}, nil
}

// Start begins the cron scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
