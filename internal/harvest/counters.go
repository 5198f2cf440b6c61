package harvest

import "sync/atomic"

// Counters is the concurrent form of RunStats, shared by the discovery and
// download pools.
type Counters struct {
	PagesParsed atomic.Int64
	MediaFound  atomic.Int64
	Downloaded  atomic.Int64
	Skipped     atomic.Int64
	Failed      atomic.Int64
	Errors      atomic.Int64
}

// Stats returns a point-in-time copy.
func (c *Counters) Stats() RunStats {
	if c == nil {
		return RunStats{}
	}
	return RunStats{
		PagesParsed: c.PagesParsed.Load(),
		MediaFound:  c.MediaFound.Load(),
		Downloaded:  c.Downloaded.Load(),
		Skipped:     c.Skipped.Load(),
		Failed:      c.Failed.Load(),
		Errors:      c.Errors.Load(),
	}
}

// Restore seeds the counters from a snapshot.
func (c *Counters) Restore(s RunStats) {
	c.PagesParsed.Store(s.PagesParsed)
	c.MediaFound.Store(s.MediaFound)
	c.Downloaded.Store(s.Downloaded)
	c.Skipped.Store(s.Skipped)
	c.Failed.Store(s.Failed)
	c.Errors.Store(s.Errors)
}
