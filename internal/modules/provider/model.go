// README: Service provider profile as held by the provider directory.
package provider

import (
	"errors"
	"time"

	"roadside/internal/types"
)

var (
	ErrNotFound       = errors.New("provider not found")
	ErrInvalidProfile = errors.New("invalid provider profile")
)

type Provider struct {
	ID              types.ID         `json:"id"`
	Location        *types.Point     `json:"location,omitempty"`
	Categories      []types.Category `json:"categories"`
	IsAvailable     bool             `json:"is_available"`
	Rating          float64          `json:"rating"`
	ExperienceYears int              `json:"experience_years"`
	DeviceToken     string           `json:"-"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Serves reports whether p lists c among its service categories.
func (p Provider) Serves(c types.Category) bool {
	for _, have := range p.Categories {
		if have == c {
			return true
		}
	}
	return false
}
