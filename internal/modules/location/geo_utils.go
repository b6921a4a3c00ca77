// README: Pure geographic helpers: coordinate validation, haversine distance and radius regions.
package location

import (
	"errors"
	"fmt"
	"math"

	"roadside/internal/types"
)

const earthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ValidatePoint rejects latitudes outside [-90, 90], longitudes outside
// [-180, 180], NaN components and negative accuracy.
func ValidatePoint(p types.Point) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.Abs(p.Lat) > 90 || math.Abs(p.Lng) > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	if p.Accuracy != nil && (math.IsNaN(*p.Accuracy) || *p.Accuracy < 0) {
		return fmt.Errorf("%w: accuracy=%v", ErrInvalidCoordinate, *p.Accuracy)
	}
	return nil
}

// DistanceKm returns the great-circle distance between a and b on a
// spherical earth of radius 6371 km.
func DistanceKm(a, b types.Point) (float64, error) {
	if err := ValidatePoint(a); err != nil {
		return 0, err
	}
	if err := ValidatePoint(b); err != nil {
		return 0, err
	}
	if a.Lat == b.Lat && a.Lng == b.Lng {
		return 0, nil
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Region is a circular search area used to bound directory queries.
type Region struct {
	Center   types.Point
	RadiusKm float64
}

// Contains reports whether p lies inside r. Invalid points are never contained.
func (r Region) Contains(p types.Point) bool {
	d, err := DistanceKm(r.Center, p)
	if err != nil {
		return false
	}
	return d <= r.RadiusKm
}
