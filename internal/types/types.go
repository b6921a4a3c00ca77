// README: Shared identifier, coordinate and service category value objects used across modules.
package types

type ID string

// Point is a WGS84 coordinate. Accuracy is the reported horizontal accuracy in meters.
type Point struct {
	Lat      float64  `json:"latitude"`
	Lng      float64  `json:"longitude"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Address  string   `json:"address,omitempty"`
}

type Category string

const (
	CategoryTowing             Category = "towing"
	CategoryWash               Category = "wash"
	CategoryTire               Category = "tire"
	CategoryEmergencyAccident  Category = "emergency-accident"
	CategoryEmergencyBreakdown Category = "emergency-breakdown"
	CategoryGeneric            Category = "generic"
)

var Categories = []Category{
	CategoryTowing,
	CategoryWash,
	CategoryTire,
	CategoryEmergencyAccident,
	CategoryEmergencyBreakdown,
	CategoryGeneric,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// RequiresLocation reports whether intake must carry a requester location for c.
func (c Category) RequiresLocation() bool {
	switch c {
	case CategoryTowing, CategoryEmergencyAccident, CategoryEmergencyBreakdown:
		return true
	default:
		return false
	}
}
