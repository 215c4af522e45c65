package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager keeps one breaker per downstream (the mail relay, the DLQ
// producer) so the admin API can report on and reset them by name.
type Manager struct {
	mu         sync.RWMutex
	downstream map[string]*CircuitBreaker
	logger     *logrus.Logger
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		downstream: make(map[string]*CircuitBreaker),
		logger:     logger,
	}
}

// Guard returns the breaker protecting downstream, registering it with
// config on first use. Later calls get the existing breaker and their
// config is ignored.
func (m *Manager) Guard(downstream string, config Config) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.downstream[downstream]; ok {
		return cb
	}

	config.Name = downstream
	cb := New(config, m.logger)
	m.downstream[downstream] = cb

	m.logger.WithFields(logrus.Fields{
		"downstream":      downstream,
		"trip_after":      cb.maxFailures,
		"reset_after":     cb.timeout.String(),
		"half_open_sends": cb.maxRequests,
	}).Info("Guarding downstream with circuit breaker")

	return cb
}

// Lookup returns nil when nothing guards downstream.
func (m *Manager) Lookup(downstream string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downstream[downstream]
}

// Tripped lists the downstreams whose breaker is not closed, sorted.
func (m *Manager) Tripped() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, cb := range m.downstream {
		if cb.State() != StateClosed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns every breaker's counters ordered by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.downstream))
	for _, cb := range m.downstream {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset closes the breaker for downstream. It reports false when nothing
// guards that name.
func (m *Manager) Reset(downstream string) bool {
	cb := m.Lookup(downstream)
	if cb == nil {
		return false
	}

	was := cb.State()
	cb.Reset()
	m.logger.WithFields(logrus.Fields{
		"downstream": downstream,
		"was":        was.String(),
	}).Info("Circuit breaker closed by operator")
	return true
}
