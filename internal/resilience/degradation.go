package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServiceLevel is the operating level of a service or of the whole system.
type ServiceLevel string

const (
	LevelFull    ServiceLevel = "full"
	LevelPartial ServiceLevel = "partial"
	LevelMinimal ServiceLevel = "minimal"
	LevelOffline ServiceLevel = "offline"
)

// ServiceStatus is the tracked state of one downstream service.
type ServiceStatus struct {
	Name                string       `json:"name"`
	Available           bool         `json:"available"`
	Level               ServiceLevel `json:"level"`
	LastCheck           time.Time    `json:"last_check"`
	LastError           string       `json:"last_error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	FallbackActive      bool         `json:"fallback_active"`
}

// DegradationStrategy describes how a service is checked and how far the
// system degrades while it is unavailable.
type DegradationStrategy struct {
	ServiceName string

	// Priority orders availability checks, lowest first.
	Priority int

	// Check reports nil when the service is available.
	Check func(ctx context.Context) error

	// Fallback is used by ExecuteWithFallback when the caller passes none.
	Fallback func(ctx context.Context) error

	// Notification is the user-facing message attached to notices while the
	// fallback is active.
	Notification string

	// UnavailableLevel is the level recorded when the service is marked
	// unavailable. Default: LevelOffline. Use LevelPartial for services whose
	// fallback keeps most functionality.
	UnavailableLevel ServiceLevel
}

// DegradationNotice is emitted whenever a call is routed to a fallback or a
// service changes level. It is a notification, never an error.
type DegradationNotice struct {
	Service string
	Level   ServiceLevel
	Reason  string
	At      time.Time
}

// NotifyFunc receives degradation notices.
type NotifyFunc func(DegradationNotice)

// SystemHealth is the aggregated health of all registered services.
type SystemHealth struct {
	Level     ServiceLevel             `json:"level"`
	Services  map[string]ServiceStatus `json:"services"`
	CheckedAt time.Time                `json:"checked_at"`
}

// DegradationManager tracks service availability and routes calls to
// fallbacks while a service is down.
type DegradationManager struct {
	mu         sync.RWMutex
	strategies map[string]DegradationStrategy
	statuses   map[string]*ServiceStatus
	listeners  []NotifyFunc
	now        func() time.Time
	logger     *zap.Logger
}

// NewDegradationManager creates an empty manager.
func NewDegradationManager(logger *zap.Logger) *DegradationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DegradationManager{
		strategies: make(map[string]DegradationStrategy),
		statuses:   make(map[string]*ServiceStatus),
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock replaces time.Now. Intended for tests.
func (m *DegradationManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Subscribe registers a listener called for every degradation notice.
func (m *DegradationManager) Subscribe(fn NotifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// RegisterStrategy registers a service. The service starts available.
func (m *DegradationManager) RegisterStrategy(s DegradationStrategy) {
	if s.UnavailableLevel == "" {
		s.UnavailableLevel = LevelOffline
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ServiceName] = s
	if _, ok := m.statuses[s.ServiceName]; !ok {
		m.statuses[s.ServiceName] = &ServiceStatus{
			Name:      s.ServiceName,
			Available: true,
			Level:     LevelFull,
			LastCheck: m.now(),
		}
		ServiceLevelGauge.WithLabelValues(s.ServiceName).Set(levelValue(LevelFull))
	}
}

// MarkUnavailable records a failure of the named service. Unknown services
// are tracked from this point on with the default offline level.
func (m *DegradationManager) MarkUnavailable(name string, cause error) {
	m.mu.Lock()
	st := m.statusLocked(name)
	wasAvailable := st.Available
	st.Available = false
	st.Level = m.unavailableLevelLocked(name)
	st.ConsecutiveFailures++
	st.LastCheck = m.now()
	if cause != nil {
		st.LastError = cause.Error()
	}
	notice := DegradationNotice{Service: name, Level: st.Level, Reason: st.LastError, At: st.LastCheck}
	m.mu.Unlock()

	ServiceLevelGauge.WithLabelValues(name).Set(levelValue(notice.Level))
	if wasAvailable {
		m.logger.Warn("service marked unavailable",
			zap.String("service", name),
			zap.String("level", string(notice.Level)),
			zap.String("reason", notice.Reason),
		)
		m.emit(notice, nil)
	}
	m.updateSystemGauge()
}

// MarkAvailable records that the named service is healthy again.
func (m *DegradationManager) MarkAvailable(name string) {
	m.mu.Lock()
	st := m.statusLocked(name)
	recovered := !st.Available
	st.Available = true
	st.Level = LevelFull
	st.ConsecutiveFailures = 0
	st.LastError = ""
	st.FallbackActive = false
	st.LastCheck = m.now()
	m.mu.Unlock()

	ServiceLevelGauge.WithLabelValues(name).Set(levelValue(LevelFull))
	if recovered {
		m.logger.Info("service recovered", zap.String("service", name))
	}
	m.updateSystemGauge()
}

// IsAvailable reports whether the named service is currently available.
// Unknown services are considered available.
func (m *DegradationManager) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	return !ok || st.Available
}

// CheckServices runs every registered availability check, lowest priority
// value first, and returns the resulting statuses.
func (m *DegradationManager) CheckServices(ctx context.Context) map[string]ServiceStatus {
	m.mu.RLock()
	strategies := make([]DegradationStrategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		strategies = append(strategies, s)
	}
	m.mu.RUnlock()

	sort.SliceStable(strategies, func(i, j int) bool {
		if strategies[i].Priority != strategies[j].Priority {
			return strategies[i].Priority < strategies[j].Priority
		}
		return strategies[i].ServiceName < strategies[j].ServiceName
	})

	for _, s := range strategies {
		if ctx.Err() != nil {
			break
		}
		if s.Check == nil {
			continue
		}
		if err := s.Check(ctx); err != nil {
			m.MarkUnavailable(s.ServiceName, err)
		} else {
			m.MarkAvailable(s.ServiceName)
		}
	}
	return m.GetSystemHealth().Services
}

// ExecuteWithFallback runs primary unless the service is known to be
// unavailable. When primary fails the service is marked unavailable and
// fallback runs instead. An error after the caller's context ended is
// returned as is. A nil fallback defaults to the registered strategy's
// Fallback.
// Both routes to the fallback emit a notice to notify and to all
// subscribers. Without any fallback the primary error is returned.
func (m *DegradationManager) ExecuteWithFallback(
	ctx context.Context,
	name string,
	primary func(ctx context.Context) error,
	fallback func(ctx context.Context) error,
	notify NotifyFunc,
) error {
	m.mu.RLock()
	strategy := m.strategies[name]
	m.mu.RUnlock()
	if fallback == nil {
		fallback = strategy.Fallback
	}

	if m.IsAvailable(name) {
		err := primary(ctx)
		if err == nil {
			m.MarkAvailable(name)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.MarkUnavailable(name, err)
		if fallback == nil {
			return err
		}
		m.logger.Warn("primary failed, using fallback",
			zap.String("service", name),
			zap.Error(err),
		)
	} else if fallback == nil {
		// Still try the primary; it may have recovered.
		err := primary(ctx)
		if err == nil {
			m.MarkAvailable(name)
		}
		return err
	}

	m.mu.Lock()
	st := m.statusLocked(name)
	st.FallbackActive = true
	notice := DegradationNotice{Service: name, Level: st.Level, Reason: "using fallback", At: m.now()}
	switch {
	case strategy.Notification != "":
		notice.Reason = strategy.Notification
	case st.LastError != "":
		notice.Reason = "using fallback: " + st.LastError
	}
	m.mu.Unlock()
	m.emit(notice, notify)

	if err := fallback(ctx); err != nil {
		FallbackExecutionsTotal.WithLabelValues(name, "error").Inc()
		return err
	}
	FallbackExecutionsTotal.WithLabelValues(name, "success").Inc()
	return nil
}

// GetSystemHealth aggregates service levels: no services or none degraded is
// full; all offline is offline; any offline is minimal; any partial is
// partial.
func (m *DegradationManager) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := SystemHealth{
		Services:  make(map[string]ServiceStatus, len(m.statuses)),
		CheckedAt: m.now(),
	}
	var offline, partial int
	for name, st := range m.statuses {
		h.Services[name] = *st
		switch st.Level {
		case LevelOffline:
			offline++
		case LevelPartial, LevelMinimal:
			partial++
		}
	}
	h.Level = aggregate(len(m.statuses), offline, partial)
	return h
}

func aggregate(total, offline, partial int) ServiceLevel {
	switch {
	case total == 0:
		return LevelFull
	case offline == total:
		return LevelOffline
	case offline > 0:
		return LevelMinimal
	case partial > 0:
		return LevelPartial
	}
	return LevelFull
}

func (m *DegradationManager) statusLocked(name string) *ServiceStatus {
	st, ok := m.statuses[name]
	if !ok {
		st = &ServiceStatus{Name: name, Available: true, Level: LevelFull}
		m.statuses[name] = st
	}
	return st
}

func (m *DegradationManager) unavailableLevelLocked(name string) ServiceLevel {
	if s, ok := m.strategies[name]; ok {
		return s.UnavailableLevel
	}
	return LevelOffline
}

func (m *DegradationManager) emit(n DegradationNotice, notify NotifyFunc) {
	m.mu.RLock()
	listeners := append([]NotifyFunc(nil), m.listeners...)
	m.mu.RUnlock()

	if notify != nil {
		notify(n)
	}
	for _, l := range listeners {
		l(n)
	}
}

func (m *DegradationManager) updateSystemGauge() {
	SystemLevelGauge.Set(levelValue(m.GetSystemHealth().Level))
}
