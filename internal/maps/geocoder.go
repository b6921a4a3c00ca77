// README: Google Maps reverse geocoding used to label request locations.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"roadside/internal/types"
)

var ErrNoAddress = errors.New("maps: no address for location")

type reverseGeocoder interface {
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// Geocoder handles interactions with the Google Maps geocoding API.
type Geocoder struct {
	client   reverseGeocoder
	language string
}

// NewGeocoder creates a Geocoder with the given API key. Extra client options
// are passed through to the maps client.
func NewGeocoder(apiKey, language string, opts ...maps.ClientOption) (*Geocoder, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Geocoder{client: client, language: language}, nil
}

// ReverseGeocode returns the formatted address of the closest match for p.
func (g *Geocoder) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: g.language,
	})
	if err != nil {
		return "", fmt.Errorf("maps api error: %w", err)
	}
	for _, res := range results {
		if res.FormattedAddress != "" {
			return res.FormattedAddress, nil
		}
	}
	return "", ErrNoAddress
}
