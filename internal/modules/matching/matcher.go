// README: Proximity matcher orders candidates by distance with rating and experience tie-breaks.
package matching

import (
	"math"
	"sort"

	"roadside/internal/modules/location"
	"roadside/internal/modules/provider"
	"roadside/internal/types"
)

const DefaultTieEpsilonKm = 0.05

// CandidateOffer is one ranked provider. DistanceKm is only meaningful when Located is set.
type CandidateOffer struct {
	ProviderID types.ID `json:"provider_id"`
	DistanceKm float64  `json:"distance_km"`
	Located    bool     `json:"located"`
	Rank       int      `json:"rank"`
}

type Matcher struct {
	TieEpsilonKm float64
}

type scored struct {
	p        provider.Provider
	distance float64
	located  bool
}

// Rank orders candidates. With a requester location, providers are walked in
// distance order and grouped while they stay within TieEpsilonKm of the
// group's nearest member; each group is ordered by rating desc, experience
// desc, then id. Providers without a usable location form one trailing group.
// Without a requester location only the tie-breaks apply. Each provider
// appears at most once: when an id repeats, its best-ranked entry is kept, so
// the output is independent of input order.
func (m Matcher) Rank(candidates []provider.Provider, near *types.Point) []CandidateOffer {
	eps := m.TieEpsilonKm
	if eps < 0 {
		eps = 0
	}

	byID := make(map[types.ID]int, len(candidates))
	items := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		s := scored{p: c, distance: math.Inf(1)}
		if near != nil && c.Location != nil {
			if d, err := location.DistanceKm(*near, *c.Location); err == nil {
				s.distance = d
				s.located = true
			}
		}
		if i, seen := byID[c.ID]; seen {
			if outranks(s, items[i]) {
				items[i] = s
			}
			continue
		}
		byID[c.ID] = len(items)
		items = append(items, s)
	}

	if near == nil {
		sort.Slice(items, func(i, j int) bool { return preferred(items[i], items[j]) })
		return toOffers(items)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].distance != items[j].distance {
			return items[i].distance < items[j].distance
		}
		return items[i].p.ID < items[j].p.ID
	})
	for start := 0; start < len(items); {
		end := start + 1
		if items[start].located {
			for end < len(items) && items[end].located && items[end].distance-items[start].distance <= eps {
				end++
			}
		} else {
			end = len(items)
		}
		group := items[start:end]
		sort.Slice(group, func(i, j int) bool { return preferred(group[i], group[j]) })
		start = end
	}
	return toOffers(items)
}

// outranks picks between two entries for the same provider id.
func outranks(a, b scored) bool {
	if a.located != b.located {
		return a.located
	}
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return preferred(a, b)
}

func preferred(a, b scored) bool {
	if a.p.Rating != b.p.Rating {
		return a.p.Rating > b.p.Rating
	}
	if a.p.ExperienceYears != b.p.ExperienceYears {
		return a.p.ExperienceYears > b.p.ExperienceYears
	}
	return a.p.ID < b.p.ID
}

func toOffers(items []scored) []CandidateOffer {
	out := make([]CandidateOffer, len(items))
	for i, it := range items {
		out[i] = CandidateOffer{ProviderID: it.p.ID, Rank: i + 1, Located: it.located}
		if it.located {
			out[i].DistanceKm = it.distance
		}
	}
	return out
}
