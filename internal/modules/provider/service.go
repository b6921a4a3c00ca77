// README: Provider service validates and applies profile, position and availability updates.
package provider

import (
	"context"
	"fmt"
	"time"

	"roadside/internal/logger"
	"roadside/internal/modules/location"
	"roadside/internal/types"
)

// Repository is implemented by Store and MemoryStore.
type Repository interface {
	Upsert(ctx context.Context, p Provider) error
	Get(ctx context.Context, id types.ID) (*Provider, error)
	SetLocation(ctx context.Context, id types.ID, pos types.Point, at time.Time) error
	SetAvailability(ctx context.Context, id types.ID, available bool, at time.Time) error
}

type Service struct {
	repo Repository
	log  *logger.Logger
	now  func() time.Time
}

func NewService(repo Repository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, log: log, now: time.Now}
}

type ProfileCommand struct {
	ProviderID      types.ID
	Categories      []types.Category
	Location        *types.Point
	IsAvailable     bool
	Rating          float64
	ExperienceYears int
	DeviceToken     string
}

type LocationUpdate struct {
	ProviderID types.ID
	Position   types.Point
}

func (s *Service) UpsertProfile(ctx context.Context, cmd ProfileCommand) (*Provider, error) {
	if cmd.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider id is required", ErrInvalidProfile)
	}
	if len(cmd.Categories) == 0 {
		return nil, fmt.Errorf("%w: at least one category is required", ErrInvalidProfile)
	}
	seen := make(map[types.Category]bool, len(cmd.Categories))
	categories := make([]types.Category, 0, len(cmd.Categories))
	for _, c := range cmd.Categories {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidProfile, c)
		}
		if !seen[c] {
			seen[c] = true
			categories = append(categories, c)
		}
	}
	if cmd.Rating < 0 || cmd.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be within [0, 5]", ErrInvalidProfile)
	}
	if cmd.ExperienceYears < 0 {
		return nil, fmt.Errorf("%w: experience years must not be negative", ErrInvalidProfile)
	}
	if cmd.Location != nil {
		if err := location.ValidatePoint(*cmd.Location); err != nil {
			return nil, err
		}
	}

	p := Provider{
		ID:              cmd.ProviderID,
		Location:        cmd.Location,
		Categories:      categories,
		IsAvailable:     cmd.IsAvailable,
		Rating:          cmd.Rating,
		ExperienceYears: cmd.ExperienceYears,
		DeviceToken:     cmd.DeviceToken,
		UpdatedAt:       s.now().UTC(),
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info(s.log.WithField(ctx, "provider_id", p.ID), "provider profile upserted")
	return &p, nil
}

func (s *Service) UpdateLocation(ctx context.Context, u LocationUpdate) error {
	if err := location.ValidatePoint(u.Position); err != nil {
		return err
	}
	return s.repo.SetLocation(ctx, u.ProviderID, u.Position, s.now().UTC())
}

func (s *Service) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	if err := s.repo.SetAvailability(ctx, id, available, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{"provider_id": id, "available": available}), "provider availability changed")
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Provider, error) {
	return s.repo.Get(ctx, id)
}
