package monitor

import (
	"sync"
	"time"
)

// Statistics tracks operational counters for the monitor loop.
// All methods are safe for concurrent use.
type Statistics struct {
	mu                      sync.RWMutex
	ticks                   int64
	checksSucceeded         int64
	checksFailed            int64
	transitions             int64
	notificationsDispatched int64
	logsDispatched          int64
	startTime               time.Time
	lastTick                time.Time
}

// NewStatistics creates a new Statistics instance with the current timestamp.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

func (s *Statistics) IncrementTicks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.lastTick = time.Now()
}

func (s *Statistics) IncrementChecksSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checksSucceeded++
}

func (s *Statistics) IncrementChecksFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checksFailed++
}

func (s *Statistics) IncrementTransitions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions++
}

func (s *Statistics) IncrementNotificationsDispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notificationsDispatched++
}

func (s *Statistics) IncrementLogsDispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logsDispatched++
}

// GetTicks returns the number of completed polling passes.
func (s *Statistics) GetTicks() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ticks
}

// GetChecksSucceeded returns the number of checks that produced a result.
func (s *Statistics) GetChecksSucceeded() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checksSucceeded
}

// GetChecksFailed returns the number of checks that returned an error.
func (s *Statistics) GetChecksFailed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checksFailed
}

// GetTransitions returns the number of observed state changes.
func (s *Statistics) GetTransitions() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transitions
}

// GetNotificationsDispatched returns how many notification fan-outs were started.
func (s *Statistics) GetNotificationsDispatched() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notificationsDispatched
}

// GetLogsDispatched returns how many log fan-outs were started.
func (s *Statistics) GetLogsDispatched() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logsDispatched
}

// GetUptime returns how long statistics have been tracked.
func (s *Statistics) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// GetCheckSuccessRate returns the percentage (0-100) of checks that produced a
// result. Returns 0 if no checks have run.
func (s *Statistics) GetCheckSuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkSuccessRateUnsafe()
}

func (s *Statistics) checkSuccessRateUnsafe() float64 {
	total := s.checksSucceeded + s.checksFailed
	if total == 0 {
		return 0.0
	}
	return float64(s.checksSucceeded) / float64(total) * 100.0
}

// Summary returns the counters as log fields.
func (s *Statistics) Summary() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := map[string]interface{}{
		"uptime":                   time.Since(s.startTime).Round(time.Second).String(),
		"ticks":                    s.ticks,
		"checks_succeeded":         s.checksSucceeded,
		"checks_failed":            s.checksFailed,
		"check_success_rate_pct":   s.checkSuccessRateUnsafe(),
		"transitions":              s.transitions,
		"notifications_dispatched": s.notificationsDispatched,
		"logs_dispatched":          s.logsDispatched,
	}
	if !s.lastTick.IsZero() {
		summary["last_tick"] = s.lastTick.Format(time.RFC3339)
	}
	return summary
}
