// Package domainhealth tracks per-domain failure streaks and quarantines
// domains that keep failing, so workers stop burning budget on dead hosts.
package domainhealth

import (
	"sync"
	"time"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// FailureKind says what went wrong with an attempt. Only kinds that indicate
// a domain-wide problem count toward quarantine.
type FailureKind int

// Failure kinds reported by the fetch and download paths.
const (
	FailureTimeout FailureKind = iota
	FailureConnect
	FailureServer
	FailureClient
)

// CountsTowardQuarantine reports whether the kind indicates the domain itself
// is unhealthy. A 404 on one URL says nothing about the host.
func (k FailureKind) CountsTowardQuarantine() bool {
	switch k {
	case FailureTimeout, FailureConnect, FailureServer:
		return true
	default:
		return false
	}
}

const (
	defaultThreshold = 5
	baseQuarantine   = time.Minute
	maxQuarantine    = 60 * time.Minute
)

// Config controls quarantine behavior.
type Config struct {
	// Threshold is the consecutive-failure count that triggers quarantine
	// (default 5).
	Threshold int
	// Clock supplies time; required so tests can advance it.
	Clock harvest.Clock
}

// Monitor keeps one record per domain. All updates for a domain happen inside
// one critical section, so a success and a failure racing on the same domain
// resolve in arrival order.
type Monitor struct {
	mu        sync.Mutex
	domains   map[string]*record
	threshold int
	clock     harvest.Clock
}

type record struct {
	consecutive      int
	successes        int64
	failures         int64
	quarantinedUntil time.Time
}

// New constructs a Monitor.
func New(cfg Config) *Monitor {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Monitor{
		domains:   make(map[string]*record),
		threshold: threshold,
		clock:     cfg.Clock,
	}
}

// RecordSuccess clears the failure streak and lifts any quarantine.
func (m *Monitor) RecordSuccess(domain string) {
	if domain == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(domain)
	r.successes++
	r.consecutive = 0
	r.quarantinedUntil = time.Time{}
}

// RecordFailure notes a failed attempt. Kinds that do not count toward
// quarantine still reset nothing and extend nothing. The return reports
// whether this call newly quarantined the domain, and until when.
func (m *Monitor) RecordFailure(domain string, kind FailureKind) (quarantined bool, until time.Time) {
	if domain == "" {
		return false, time.Time{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(domain)
	r.failures++
	if !kind.CountsTowardQuarantine() {
		return false, time.Time{}
	}
	r.consecutive++
	if r.consecutive < m.threshold {
		return false, time.Time{}
	}
	now := m.clock.Now()
	alreadyQuarantined := now.Before(r.quarantinedUntil)
	r.quarantinedUntil = now.Add(m.quarantineFor(r.consecutive))
	return !alreadyQuarantined, r.quarantinedUntil
}

// IsQuarantined reports whether the domain is currently quarantined. An
// expired quarantine reads as healthy without any explicit reset.
func (m *Monitor) IsQuarantined(domain string) bool {
	if domain == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.domains[domain]
	if !ok {
		return false
	}
	return m.clock.Now().Before(r.quarantinedUntil)
}

// States exports all domain records for snapshots.
func (m *Monitor) States() []harvest.DomainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]harvest.DomainState, 0, len(m.domains))
	for domain, r := range m.domains {
		out = append(out, harvest.DomainState{
			Domain:              domain,
			ConsecutiveFailures: r.consecutive,
			Successes:           r.successes,
			Failures:            r.failures,
			QuarantinedUntil:    r.quarantinedUntil,
		})
	}
	return out
}

// Restore seeds the monitor from a snapshot, replacing current records.
func (m *Monitor) Restore(states []harvest.DomainState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = make(map[string]*record, len(states))
	for _, s := range states {
		if s.Domain == "" {
			continue
		}
		m.domains[s.Domain] = &record{
			consecutive:      s.ConsecutiveFailures,
			successes:        s.Successes,
			failures:         s.Failures,
			quarantinedUntil: s.QuarantinedUntil,
		}
	}
}

// quarantineFor doubles with each failure past the threshold, capped at an
// hour: 1m, 2m, 4m, ...
func (m *Monitor) quarantineFor(consecutive int) time.Duration {
	excess := consecutive - m.threshold
	if excess < 0 {
		excess = 0
	}
	d := baseQuarantine
	for i := 0; i < excess; i++ {
		d *= 2
		if d >= maxQuarantine {
			return maxQuarantine
		}
	}
	return d
}

func (m *Monitor) record(domain string) *record {
	r, ok := m.domains[domain]
	if !ok {
		r = &record{}
		m.domains[domain] = r
	}
	return r
}
