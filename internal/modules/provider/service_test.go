package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/modules/location"
	"roadside/internal/types"
)

func TestUpsertProfileValidates(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  ProfileCommand
		want error
	}{
		{"missing id", ProfileCommand{Categories: []types.Category{types.CategoryTowing}}, ErrInvalidProfile},
		{"no categories", ProfileCommand{ProviderID: "p1"}, ErrInvalidProfile},
		{"unknown category", ProfileCommand{ProviderID: "p1", Categories: []types.Category{"plumbing"}}, ErrInvalidProfile},
		{"rating too high", ProfileCommand{ProviderID: "p1", Categories: []types.Category{types.CategoryTire}, Rating: 5.5}, ErrInvalidProfile},
		{"negative experience", ProfileCommand{ProviderID: "p1", Categories: []types.Category{types.CategoryTire}, ExperienceYears: -1}, ErrInvalidProfile},
		{"bad location", ProfileCommand{ProviderID: "p1", Categories: []types.Category{types.CategoryTire}, Location: &types.Point{Lat: 99}}, location.ErrInvalidCoordinate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpsertProfile(ctx, tt.cmd)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestUpsertProfileDeduplicatesCategories(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)

	p, err := svc.UpsertProfile(context.Background(), ProfileCommand{
		ProviderID:  "p1",
		Categories:  []types.Category{types.CategoryTowing, types.CategoryTowing, types.CategoryTire},
		IsAvailable: true,
		Rating:      4.5,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Category{types.CategoryTowing, types.CategoryTire}, p.Categories)

	got, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, got.Serves(types.CategoryTire))
	assert.False(t, got.Serves(types.CategoryWash))
}

func TestLocationAndAvailabilityUpdates(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	err := svc.UpdateLocation(ctx, LocationUpdate{ProviderID: "ghost", Position: types.Point{Lat: 1, Lng: 1}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.UpsertProfile(ctx, ProfileCommand{ProviderID: "p1", Categories: []types.Category{types.CategoryWash}})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.UpdateLocation(ctx, LocationUpdate{ProviderID: "p1", Position: types.Point{Lat: 1, Lng: 500}}), location.ErrInvalidCoordinate)
	require.NoError(t, svc.UpdateLocation(ctx, LocationUpdate{ProviderID: "p1", Position: types.Point{Lat: 41, Lng: 29}}))
	require.NoError(t, svc.SetAvailability(ctx, "p1", true))

	got, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got.Location)
	assert.Equal(t, 41.0, got.Location.Lat)
	assert.True(t, got.IsAvailable)
}

func TestMemoryStoreListProvidersByRegion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	near := types.Point{Lat: 41.0, Lng: 29.0}
	far := types.Point{Lat: 42.0, Lng: 29.0}
	require.NoError(t, store.Upsert(ctx, Provider{ID: "near", Location: &near, Categories: []types.Category{types.CategoryTowing}}))
	require.NoError(t, store.Upsert(ctx, Provider{ID: "far", Location: &far, Categories: []types.Category{types.CategoryTowing}}))
	require.NoError(t, store.Upsert(ctx, Provider{ID: "nowhere", Categories: []types.Category{types.CategoryTowing}}))
	require.NoError(t, store.Upsert(ctx, Provider{ID: "washer", Location: &near, Categories: []types.Category{types.CategoryWash}}))

	all, err := store.ListProviders(ctx, types.CategoryTowing, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	region := &location.Region{Center: near, RadiusKm: 10}
	local, err := store.ListProviders(ctx, types.CategoryTowing, region)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, types.ID("near"), local[0].ID)
}

func TestCodecRoundTripKeepsOptionalLocation(t *testing.T) {
	pos := types.Point{Lat: 40.1, Lng: -3.7}
	in := Provider{ID: "p1", Location: &pos, Categories: []types.Category{types.CategoryTire, types.CategoryWash}, IsAvailable: true, Rating: 4.25, ExperienceYears: 7, DeviceToken: "tok"}

	fields := map[string]string{}
	for k, v := range encode(in) {
		fields[k] = v.(string)
	}
	out := decode("p1", fields)
	assert.Equal(t, in.Categories, out.Categories)
	assert.Equal(t, pos.Lat, out.Location.Lat)
	assert.Equal(t, 4.25, out.Rating)
	assert.Equal(t, 7, out.ExperienceYears)

	delete(fields, fieldLat)
	assert.Nil(t, decode("p1", fields).Location)
}
