package engine

import (
	"context"
	"time"

	"pepeunit/internal/domain"
	"pepeunit/internal/events"
	"pepeunit/internal/repo"
)

const summaryKey = "summary"

// Summary is the instance overview served by the metrics endpoint.
type Summary struct {
	repo.Counts
	Drops       map[string]int `json:"drops"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// MetricsSummary returns table counts and drop totals, cached for the
// configured TTL.
func (e Engine) MetricsSummary(ctx context.Context) (Summary, error) {
	if s, ok := e.Summary.Get(summaryKey); ok {
		return s, nil
	}
	counts, err := e.Repo.Counts(ctx)
	if err != nil {
		return Summary{}, err
	}
	drops, err := e.Drops.CountByReason(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Counts: counts, Drops: drops, GeneratedAt: e.now()}
	e.Summary.Set(summaryKey, s)
	return s, nil
}

// ListDrops returns the newest ledger entries. Admins only.
func (e Engine) ListDrops(ctx context.Context, agent domain.Agent, limit int) ([]events.Drop, error) {
	if err := e.service(agent).CheckAccess(usersOnly, domain.UserRoleAdmin); err != nil {
		return nil, err
	}
	return e.Drops.List(ctx, limit)
}
