package geocode

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/sprout/harvest/internal/cache"
	"github.com/telhawk-systems/sprout/harvest/internal/config"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Geocode(ctx context.Context, query string) ([]Match, error) {
	args := m.Called(ctx, query)
	matches, _ := args.Get(0).([]Match)
	return matches, args.Error(1)
}

var california = config.BoundingBox{MinLat: 32.5, MaxLat: 42.0, MinLng: -124.5, MaxLng: -114.1}

func testOptions() Options {
	return Options{Qualifier: "California", BBox: california}
}

func TestResolve_KnownLocationSkipsGeocoder(t *testing.T) {
	g := &mockGeocoder{}
	r := NewResolver(g, nil, testOptions(), nil)

	res := r.Resolve(context.Background(), "Main Library", &models.Location{Lat: 37.8, Lng: -122.27})

	require.True(t, res.Resolved())
	assert.Equal(t, StatusKnown, res.Status)
	assert.Equal(t, 37.8, *res.Lat)
	assert.Equal(t, -122.27, *res.Lng)
	assert.Nil(t, res.Address)
	g.AssertNotCalled(t, "Geocode", mock.Anything, mock.Anything)
}

func TestResolve_QualifiedQueryFirst(t *testing.T) {
	g := &mockGeocoder{}
	g.On("Geocode", mock.Anything, "Main Library, California").
		Return([]Match{{Lat: 37.8, Lng: -122.27, FormattedAddress: "125 14th St, Oakland, CA"}}, nil).Once()
	r := NewResolver(g, nil, testOptions(), nil)

	res := r.Resolve(context.Background(), "Main Library", nil)

	require.True(t, res.Resolved())
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "Main Library, California", res.Query)
	require.NotNil(t, res.Address)
	assert.Equal(t, "125 14th St, Oakland, CA", *res.Address)
	g.AssertExpectations(t)
}

func TestResolve_FallsBackToBareVenue(t *testing.T) {
	g := &mockGeocoder{}
	g.On("Geocode", mock.Anything, "Tiny Tots Gym, California").Return([]Match{}, nil).Once()
	g.On("Geocode", mock.Anything, "Tiny Tots Gym").
		Return([]Match{{Lat: 34.05, Lng: -118.24}}, nil).Once()
	r := NewResolver(g, nil, testOptions(), nil)

	res := r.Resolve(context.Background(), "Tiny Tots Gym", nil)

	require.True(t, res.Resolved())
	assert.Equal(t, "Tiny Tots Gym", res.Query)
	assert.Nil(t, res.Address)
	g.AssertExpectations(t)
	g.AssertNumberOfCalls(t, "Geocode", 2)
}

func TestResolve_OutOfBoundsAccepted(t *testing.T) {
	g := &mockGeocoder{}
	g.On("Geocode", mock.Anything, "Central Library, California").
		Return([]Match{{Lat: 45.52, Lng: -122.68}, {Lat: 37.0, Lng: -120.0}}, nil).Once()
	r := NewResolver(g, nil, testOptions(), nil)

	res := r.Resolve(context.Background(), "Central Library", nil)

	require.True(t, res.Resolved())
	assert.Equal(t, StatusOutOfBounds, res.Status)
	assert.Equal(t, 45.52, *res.Lat)
}

func TestResolve_FailuresResolveToNull(t *testing.T) {
	tests := []struct {
		name  string
		setup func(g *mockGeocoder)
		calls int
	}{
		{
			name: "no matches on either query",
			setup: func(g *mockGeocoder) {
				g.On("Geocode", mock.Anything, mock.Anything).Return([]Match{}, nil)
			},
			calls: 2,
		},
		{
			name: "provider error stops before the bare venue",
			setup: func(g *mockGeocoder) {
				g.On("Geocode", mock.Anything, "Nowhere Hall, California").Return(nil, errors.New("OVER_QUERY_LIMIT"))
			},
			calls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &mockGeocoder{}
			tt.setup(g)
			r := NewResolver(g, nil, testOptions(), nil)

			res := r.Resolve(context.Background(), "Nowhere Hall", nil)

			assert.False(t, res.Resolved())
			assert.Nil(t, res.Lat)
			assert.Nil(t, res.Lng)
			assert.Nil(t, res.Address)
			assert.Nil(t, res.Geohash())
			assert.Equal(t, StatusFailed, res.Status)
			assert.Error(t, res.Err)
			g.AssertNumberOfCalls(t, "Geocode", tt.calls)
		})
	}
}

func TestResolve_EmptyVenue(t *testing.T) {
	g := &mockGeocoder{}
	r := NewResolver(g, nil, testOptions(), nil)

	res := r.Resolve(context.Background(), "  ", nil)

	assert.Equal(t, StatusFailed, res.Status)
	g.AssertNotCalled(t, "Geocode", mock.Anything, mock.Anything)
}

func TestResolve_MemoizesSuccessfulLookups(t *testing.T) {
	g := &mockGeocoder{}
	g.On("Geocode", mock.Anything, "Main Library, California").
		Return([]Match{{Lat: 37.8, Lng: -122.27}}, nil).Once()
	r := NewResolver(g, cache.NewMemoryCache(1), testOptions(), nil)

	first := r.Resolve(context.Background(), "Main Library", nil)
	second := r.Resolve(context.Background(), "main library ", nil)

	require.True(t, first.Resolved())
	require.True(t, second.Resolved())
	assert.Equal(t, *first.Lat, *second.Lat)
	g.AssertNumberOfCalls(t, "Geocode", 1)
}

func TestResolution_Geohash(t *testing.T) {
	lat, lng := 37.8044, -122.2712
	res := Resolution{Lat: &lat, Lng: &lng}

	h := res.Geohash()
	require.NotNil(t, h)
	assert.Len(t, *h, GeohashPrecision)
	assert.Equal(t, "9q9p", (*h)[:4])
}
