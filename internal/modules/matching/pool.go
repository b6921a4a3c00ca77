// README: Candidate pool selects available providers able to serve a category, optionally within a radius.
package matching

import (
	"context"

	"roadside/internal/modules/location"
	"roadside/internal/modules/provider"
	"roadside/internal/types"
)

const DefaultMaxRadiusKm = 50.0

// Directory is the read side of the provider directory.
type Directory interface {
	ListProviders(ctx context.Context, category types.Category, region *location.Region) ([]provider.Provider, error)
}

type Pool struct {
	dir         Directory
	maxRadiusKm float64
}

func NewPool(dir Directory, maxRadiusKm float64) *Pool {
	if maxRadiusKm <= 0 {
		maxRadiusKm = DefaultMaxRadiusKm
	}
	return &Pool{dir: dir, maxRadiusKm: maxRadiusKm}
}

// FindCandidates returns distinct, available providers serving category. When
// near is set, providers without a known location or farther than radiusKm
// are dropped; radiusKm <= 0 means the pool default.
func (p *Pool) FindCandidates(ctx context.Context, category types.Category, near *types.Point, radiusKm float64) ([]provider.Provider, error) {
	if radiusKm <= 0 {
		radiusKm = p.maxRadiusKm
	}
	var region *location.Region
	if near != nil {
		if err := location.ValidatePoint(*near); err != nil {
			return nil, err
		}
		region = &location.Region{Center: *near, RadiusKm: radiusKm}
	}

	listed, err := p.dir.ListProviders(ctx, category, region)
	if err != nil {
		return nil, err
	}

	seen := make(map[types.ID]bool, len(listed))
	out := make([]provider.Provider, 0, len(listed))
	for _, c := range listed {
		if seen[c.ID] || !c.IsAvailable || !c.Serves(category) {
			continue
		}
		if region != nil {
			if c.Location == nil || !region.Contains(*c.Location) {
				continue
			}
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}
