package cpapp

// Scheduler round-robins the CP engine's single tick across a fixed set
// of PDs: each call to Refresh advances exactly one PD's phy and app
// FSMs by one step before moving on, per spec.md §5's "pd_offset"
// round-robin rule.
type Scheduler struct {
	apps []*App
	idx  int
}

// NewScheduler creates a scheduler over apps, one per PD, indexed by
// their Offset field in the order given.
func NewScheduler(apps ...*App) *Scheduler {
	return &Scheduler{apps: apps}
}

// Apps returns the scheduled PD drivers in the order they were added.
func (s *Scheduler) Apps() []*App { return s.apps }

// Add appends a PD driver to the round-robin set.
func (s *Scheduler) Add(a *App) { s.apps = append(s.apps, a) }

// Refresh advances exactly one PD's FSMs by one tick and rotates to the
// next PD for the following call.
func (s *Scheduler) Refresh(now int64) error {
	if len(s.apps) == 0 {
		return nil
	}
	if s.idx >= len(s.apps) {
		s.idx = 0
	}
	a := s.apps[s.idx]
	s.idx = (s.idx + 1) % len(s.apps)
	return a.Refresh(now)
}
