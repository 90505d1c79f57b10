package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState counts consecutive failures of one task name. Once the count
// reaches the trip threshold the circuit opens for a cooldown that doubles on
// every further failure; a success closes it.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// lockedGet returns the state for key; s.mu must be held.
func (s *circuitStore) lockedGet(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	cc := circuitCfg{enabled: true, trip: trip, baseDelay: cfg.CircuitBaseDelay, maxDelay: cfg.CircuitMaxDelay, resetAfter: cfg.CircuitResetAfter}
	if cc.baseDelay <= 0 {
		cc.baseDelay = 5 * time.Second
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = 2 * time.Minute
	}
	if cc.resetAfter <= 0 {
		cc.resetAfter = 5 * time.Minute
	}
	return cc
}

// expire forgets failures older than resetAfter.
func (cc circuitCfg) expire(st *circuitState, now time.Time) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		*st = circuitState{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	key := strings.TrimSpace(name)
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st := s.circuits.lockedGet(key)
	cc.expire(st, now)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	key := strings.TrimSpace(name)
	if !cc.enabled || key == "" {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	st := s.circuits.lockedGet(key)
	cc.expire(st, now)
	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip && d < cc.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cc.maxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, TaskOptions{}).enabled {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, st := range s.circuits.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
