package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
)

// DefaultSubjectPrefix is the subject root for published episodes.
const DefaultSubjectPrefix = "audit"

// NATSSink publishes episodes as JSON to "<prefix>.<tenant_id>.<kind>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink creates a sink publishing on nc. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATSSink(nc *nats.Conn, prefix string) (*NATSSink, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an episode is published to.
func (s *NATSSink) Subject(ep *domain.AuditEpisode) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, subjectToken(ep.TenantID), subjectToken(string(ep.Kind)))
}

// Append implements Sink.
func (s *NATSSink) Append(ctx context.Context, ep *domain.AuditEpisode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal audit episode: %w", err)
	}
	if err := s.nc.Publish(s.Subject(ep), data); err != nil {
		return fmt.Errorf("publish audit episode: %w", err)
	}
	return nil
}

// subjectToken makes s safe to use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
