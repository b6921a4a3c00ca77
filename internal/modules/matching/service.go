// README: Matching service combines the candidate pool with the proximity matcher.
package matching

import (
	"context"

	"roadside/internal/config"
	"roadside/internal/types"
)

type Service struct {
	pool    *Pool
	matcher Matcher
}

func NewService(dir Directory, cfg config.DispatchConfig) *Service {
	return &Service{
		pool:    NewPool(dir, cfg.MaxRadiusKm),
		matcher: Matcher{TieEpsilonKm: cfg.TieEpsilonKm},
	}
}

// Match returns the ranked candidates for a request of category at near.
func (s *Service) Match(ctx context.Context, category types.Category, near *types.Point) ([]CandidateOffer, error) {
	candidates, err := s.pool.FindCandidates(ctx, category, near, 0)
	if err != nil {
		return nil, err
	}
	return s.matcher.Rank(candidates, near), nil
}
