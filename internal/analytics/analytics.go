// Package analytics summarises a guild's moderation history.
package analytics

import (
	"context"
	"time"

	"modguard/internal/storage"
)

// Source is the read side of the store a report needs.
type Source interface {
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]storage.AuditLog, error)
	ListCases(ctx context.Context, guildID string) ([]storage.Case, error)
}

type Service struct {
	store Source
}

func New(store Source) *Service {
	return &Service{store: store}
}

type Report struct {
	Total     int
	ByLevel   map[string]int
	ByEvent   map[string]int
	Cases     int
	CaseKinds map[string]int
}

// Report counts audit entries and cases created at or after since.
func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}
	cases, err := s.store.ListCases(ctx, guildID)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		ByLevel:   make(map[string]int),
		ByEvent:   make(map[string]int),
		CaseKinds: make(map[string]int),
	}
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
	}
	for _, c := range cases {
		if c.CreatedAt.Before(since) {
			continue
		}
		report.Cases++
		report.CaseKinds[c.Kind]++
	}
	return report, nil
}
