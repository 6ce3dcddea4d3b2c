// Package dispute exposes disputed escrows to the arbiter. Resolution happens
// outside this system; the queue is read only.
package dispute

import (
	"context"
	"time"

	"escrowflow/identity"
	"escrowflow/safemath"
)

type Service struct {
	repo *Repository
	now  func() time.Time
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Queue lists disputed jobs, optionally narrowed to one party.
func (s *Service) Queue(ctx context.Context, party identity.Key, limit int) ([]Record, error) {
	escrows, err := s.repo.List(ctx, party, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]Record, 0, len(escrows))
	for _, e := range escrows {
		out = append(out, fromEscrow(e, now))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (Record, error) {
	e, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return Record{}, err
	}
	return fromEscrow(e, s.now()), nil
}

// Summarize counts open disputes and the funds they hold.
func (s *Service) Summarize(ctx context.Context) (Summary, error) {
	escrows, err := s.repo.List(ctx, identity.Zero, 0)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, e := range escrows {
		sum.Open++
		sum.Frozen = safemath.SaturatingAdd64(sum.Frozen, e.Amount)
	}
	return sum, nil
}
