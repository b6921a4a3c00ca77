// README: Provider directory backed by Redis hashes, per-category sets and per-category GEO indexes.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roadside/internal/modules/location"
	"roadside/internal/types"
)

const (
	profileKeyPrefix  = "provider:%s"
	categoryGeoPrefix = "providers:geo:%s"
	categorySetPrefix = "providers:category:%s"
)

const (
	fieldLat         = "lat"
	fieldLng         = "lng"
	fieldAvailable   = "available"
	fieldRating      = "rating"
	fieldExperience  = "experience_years"
	fieldCategories  = "categories"
	fieldDeviceToken = "device_token"
	fieldUpdatedAt   = "updated_at"
)

type Store struct {
	redis redis.UniversalClient
}

func NewStore(redis redis.UniversalClient) *Store {
	return &Store{redis: redis}
}

// Upsert writes the full profile and reconciles category memberships.
func (s *Store) Upsert(ctx context.Context, p Provider) error {
	previous, err := s.redis.HGet(ctx, profileKey(p.ID), fieldCategories).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	stale := map[types.Category]bool{}
	for _, c := range decodeCategories(previous) {
		stale[c] = true
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, profileKey(p.ID), encode(p))
	if p.Location == nil {
		pipe.HDel(ctx, profileKey(p.ID), fieldLat, fieldLng)
	}
	for _, c := range p.Categories {
		delete(stale, c)
		pipe.SAdd(ctx, categorySetKey(c), string(p.ID))
		if p.Location != nil {
			pipe.GeoAdd(ctx, categoryGeoKey(c), geoMember(p.ID, *p.Location))
		} else {
			pipe.ZRem(ctx, categoryGeoKey(c), string(p.ID))
		}
	}
	for c := range stale {
		pipe.SRem(ctx, categorySetKey(c), string(p.ID))
		pipe.ZRem(ctx, categoryGeoKey(c), string(p.ID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Provider, error) {
	fields, err := s.redis.HGetAll(ctx, profileKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	p := decode(id, fields)
	return &p, nil
}

// SetLocation moves the provider in every category index it belongs to.
func (s *Store) SetLocation(ctx context.Context, id types.ID, pos types.Point, at time.Time) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, profileKey(id),
		fieldLat, formatFloat(pos.Lat),
		fieldLng, formatFloat(pos.Lng),
		fieldUpdatedAt, at.UTC().Format(time.RFC3339Nano),
	)
	for _, c := range p.Categories {
		pipe.GeoAdd(ctx, categoryGeoKey(c), geoMember(id, pos))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) SetAvailability(ctx context.Context, id types.ID, available bool, at time.Time) error {
	exists, err := s.redis.Exists(ctx, profileKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.redis.HSet(ctx, profileKey(id),
		fieldAvailable, formatBool(available),
		fieldUpdatedAt, at.UTC().Format(time.RFC3339Nano),
	).Err()
}

// ListProviders returns providers of the category. With a region only the
// GEO index is consulted, so providers without a location are excluded.
func (s *Store) ListProviders(ctx context.Context, category types.Category, region *location.Region) ([]Provider, error) {
	var (
		members []string
		err     error
	)
	if region != nil {
		members, err = s.redis.GeoSearch(ctx, categoryGeoKey(category), &redis.GeoSearchQuery{
			Longitude:  region.Center.Lng,
			Latitude:   region.Center.Lat,
			Radius:     region.RadiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		}).Result()
	} else {
		members, err = s.redis.SMembers(ctx, categorySetKey(category)).Result()
	}
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return s.load(ctx, ids)
}

// DeviceTokens resolves push tokens for the given providers, skipping unknown ones.
func (s *Store) DeviceTokens(ctx context.Context, ids []types.ID) (map[types.ID]string, error) {
	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, profileKey(id), fieldDeviceToken)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	tokens := make(map[types.ID]string, len(ids))
	for i, cmd := range cmds {
		if tok, err := cmd.Result(); err == nil && tok != "" {
			tokens[ids[i]] = tok
		}
	}
	return tokens, nil
}

func (s *Store) load(ctx context.Context, ids []types.ID) ([]Provider, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, profileKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]Provider, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, decode(ids[i], fields))
	}
	return out, nil
}

func encode(p Provider) map[string]interface{} {
	fields := map[string]interface{}{
		fieldAvailable:   formatBool(p.IsAvailable),
		fieldRating:      formatFloat(p.Rating),
		fieldExperience:  strconv.Itoa(p.ExperienceYears),
		fieldCategories:  encodeCategories(p.Categories),
		fieldDeviceToken: p.DeviceToken,
		fieldUpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.Location != nil {
		fields[fieldLat] = formatFloat(p.Location.Lat)
		fields[fieldLng] = formatFloat(p.Location.Lng)
	}
	return fields
}

func decode(id types.ID, fields map[string]string) Provider {
	p := Provider{
		ID:          id,
		Categories:  decodeCategories(fields[fieldCategories]),
		IsAvailable: fields[fieldAvailable] == "1",
		DeviceToken: fields[fieldDeviceToken],
	}
	p.Rating, _ = strconv.ParseFloat(fields[fieldRating], 64)
	p.ExperienceYears, _ = strconv.Atoi(fields[fieldExperience])
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		p.UpdatedAt = ts
	}
	lat, latErr := strconv.ParseFloat(fields[fieldLat], 64)
	lng, lngErr := strconv.ParseFloat(fields[fieldLng], 64)
	if latErr == nil && lngErr == nil {
		p.Location = &types.Point{Lat: lat, Lng: lng}
	}
	return p
}

func encodeCategories(cs []types.Category) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeCategories(raw string) []types.Category {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]types.Category, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, types.Category(p))
		}
	}
	return out
}

func geoMember(id types.ID, pos types.Point) *redis.GeoLocation {
	return &redis.GeoLocation{Name: string(id), Longitude: pos.Lng, Latitude: pos.Lat}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func profileKey(id types.ID) string {
	return fmt.Sprintf(profileKeyPrefix, string(id))
}

func categoryGeoKey(c types.Category) string {
	return fmt.Sprintf(categoryGeoPrefix, string(c))
}

func categorySetKey(c types.Category) string {
	return fmt.Sprintf(categorySetPrefix, string(c))
}
