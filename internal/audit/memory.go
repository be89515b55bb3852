package audit

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
)

// MemorySink keeps episodes in memory in append order.
type MemorySink struct {
	mu       sync.RWMutex
	episodes []*domain.AuditEpisode
}

var (
	_ Sink    = (*MemorySink)(nil)
	_ Querier = (*MemorySink)(nil)
)

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, ep *domain.AuditEpisode) error {
	cp := *ep
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = append(s.episodes, &cp)
	return nil
}

func (s *MemorySink) QueryBySubject(ctx context.Context, tenantID, subjectID string) ([]*domain.AuditEpisode, error) {
	return s.filter(func(ep *domain.AuditEpisode) bool {
		return ep.TenantID == tenantID && ep.SubjectID == subjectID
	}), nil
}

func (s *MemorySink) QueryByTenant(ctx context.Context, tenantID string) ([]*domain.AuditEpisode, error) {
	return s.filter(func(ep *domain.AuditEpisode) bool { return ep.TenantID == tenantID }), nil
}

// Kinds returns the kinds of all episodes for a tenant, in order.
func (s *MemorySink) Kinds(tenantID string) []domain.EpisodeKind {
	var out []domain.EpisodeKind
	for _, ep := range s.filter(func(ep *domain.AuditEpisode) bool { return ep.TenantID == tenantID }) {
		out = append(out, ep.Kind)
	}
	return out
}

// Len returns the number of stored episodes.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes)
}

func (s *MemorySink) filter(keep func(*domain.AuditEpisode) bool) []*domain.AuditEpisode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AuditEpisode
	for _, ep := range s.episodes {
		if keep(ep) {
			cp := *ep
			out = append(out, &cp)
		}
	}
	return out
}
