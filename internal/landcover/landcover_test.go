package landcover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
	"github.com/uchicago-dsi/poultry-cafos/internal/resilience"
	"github.com/uchicago-dsi/poultry-cafos/pkg/dynamicworld"
)

type funcClient func(ctx context.Context, lon, lat float64) (int, error)

func (f funcClient) Label(ctx context.Context, lon, lat float64) (int, error) {
	return f(ctx, lon, lat)
}

func testConfig() config.LandCoverConfig {
	return config.LandCoverConfig{
		Enabled:          true,
		TimeoutSecs:      5,
		Concurrency:      4,
		MaxAttempts:      3,
		InitialBackoffMS: 1,
		WaterLabel:       dynamicworld.Water,
		FailureThreshold: 100,
		ResetTimeoutSecs: 30,
	}
}

func square(lon, lat float64) orb.Polygon {
	const d = 0.0005
	return orb.Polygon{{{lon, lat}, {lon + d, lat}, {lon + d, lat + d}, {lon, lat + d}, {lon, lat}}}
}

// sound places detections along 35N; those west of -76 sit on water.
func sound() *model.DetectionSet {
	set := &model.DetectionSet{CRS: crs.WGS84}
	for i, lon := range []float64{-78, -77.5, -76.5, -75.9, -75.5} {
		set.Detections = append(set.Detections, &model.Detection{Index: i, Geometry: square(lon, 35)})
	}
	return set
}

func waterWestOf(lonLimit float64) funcClient {
	return func(_ context.Context, lon, _ float64) (int, error) {
		if lon < lonLimit {
			return dynamicworld.Water, nil
		}
		return dynamicworld.Crops, nil
	}
}

func TestClassifyAndExclude_FlagsWater(t *testing.T) {
	set := sound()
	set.Detections[0].Exclude("coastline")

	var calls atomic.Int32
	client := funcClient(func(ctx context.Context, lon, lat float64) (int, error) {
		calls.Add(1)
		assert.InDelta(t, 35.00025, lat, 1e-6, "queried at the centroid")
		return waterWestOf(-76)(ctx, lon, lat)
	})

	stats, err := New(client, testConfig()).ClassifyAndExclude(context.Background(), set)
	require.NoError(t, err)

	assert.Equal(t, int32(4), calls.Load(), "excluded detections are not queried")
	assert.Equal(t, Stats{Candidates: 4, Queried: 4, Water: 2}, stats)

	assert.Equal(t, "coastline", set.Detections[0].Reason)
	assert.Nil(t, set.Detections[0].LandCoverLabel)
	for _, i := range []int{1, 2} {
		assert.True(t, set.Detections[i].Excluded)
		assert.Equal(t, model.ReasonLandCover, set.Detections[i].Reason)
		require.NotNil(t, set.Detections[i].LandCoverLabel)
		assert.Equal(t, dynamicworld.Water, *set.Detections[i].LandCoverLabel)
	}
	for _, i := range []int{3, 4} {
		assert.False(t, set.Detections[i].Excluded)
		assert.Equal(t, dynamicworld.Crops, *set.Detections[i].LandCoverLabel)
	}
}

func TestClassifyAndExclude_ProjectedSet(t *testing.T) {
	utm := crs.UTM(18, true)
	p, err := crs.ProjectPoint(orb.Point{-76.5, 35}, crs.WGS84, utm)
	require.NoError(t, err)
	set := &model.DetectionSet{CRS: utm, Detections: []*model.Detection{
		{Index: 0, Geometry: orb.Polygon{{{p.X() - 30, p.Y() - 6}, {p.X() + 30, p.Y() - 6}, {p.X() + 30, p.Y() + 6}, {p.X() - 30, p.Y() + 6}, {p.X() - 30, p.Y() - 6}}}},
	}}

	var got orb.Point
	client := funcClient(func(_ context.Context, lon, lat float64) (int, error) {
		got = orb.Point{lon, lat}
		return dynamicworld.Trees, nil
	})
	_, err = New(client, testConfig()).ClassifyAndExclude(context.Background(), set)
	require.NoError(t, err)
	assert.InDelta(t, -76.5, got.Lon(), 1e-6)
	assert.InDelta(t, 35, got.Lat(), 1e-6)
}

func TestClassifyAndExclude_RetriesTransientFailures(t *testing.T) {
	set := sound()
	var mu sync.Mutex
	attempts := make(map[float64]int)
	client := funcClient(func(ctx context.Context, lon, lat float64) (int, error) {
		mu.Lock()
		attempts[lon]++
		n := attempts[lon]
		mu.Unlock()
		if n < 3 {
			return 0, resilience.NewTransientError(errors.New("service unavailable"), 503)
		}
		return waterWestOf(-76)(ctx, lon, lat)
	})

	stats, err := New(client, testConfig()).ClassifyAndExclude(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 3, stats.Water)
	for _, n := range attempts {
		assert.Equal(t, 3, n)
	}
}

func TestClassifyAndExclude_FailuresKeepDetections(t *testing.T) {
	set := sound()
	client := funcClient(func(_ context.Context, lon, _ float64) (int, error) {
		if lon < -77 {
			return 0, resilience.NewTransientError(errors.New("gateway timeout"), 504)
		}
		if lon < -76 {
			return 0, errors.New("unauthorized")
		}
		return dynamicworld.Water, nil
	})

	stats, err := New(client, testConfig()).ClassifyAndExclude(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, Stats{Candidates: 5, Queried: 2, Water: 2, Failed: 3}, stats)
	for _, d := range set.Detections[:3] {
		assert.False(t, d.Excluded, "a failed query is not evidence of water")
		assert.Nil(t, d.LandCoverLabel)
	}
}

func TestClassifyAndExclude_CircuitOpens(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 2

	var calls atomic.Int32
	client := funcClient(func(context.Context, float64, float64) (int, error) {
		calls.Add(1)
		return 0, resilience.NewTransientError(errors.New("service unavailable"), 503)
	})

	stats, err := New(client, cfg).ClassifyAndExclude(context.Background(), sound())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "open circuit rejects the rest without calling out")
	assert.Equal(t, 5, stats.Failed)
}

func TestClassifyAndExclude_NoGeometry(t *testing.T) {
	set := sound()
	set.Detections[2].Geometry = nil

	stats, err := New(dynamicworld.Static(dynamicworld.Water), testConfig()).ClassifyAndExclude(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NoGeometry)
	assert.Equal(t, 4, stats.Water)
	assert.False(t, set.Detections[2].Excluded)
}

func TestClassifyAndExclude_NonWaterChangesNoFlags(t *testing.T) {
	enabled := sound()
	enabled.Detections[1].Exclude("parks")
	disabled := sound()
	disabled.Detections[1].Exclude("parks")

	_, err := New(dynamicworld.Static(dynamicworld.Grass), testConfig()).ClassifyAndExclude(context.Background(), enabled)
	require.NoError(t, err)
	for i := range enabled.Detections {
		assert.Equal(t, disabled.Detections[i].Excluded, enabled.Detections[i].Excluded)
		assert.Equal(t, disabled.Detections[i].Reason, enabled.Detections[i].Reason)
	}
}

func TestClassifyAndExclude_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := funcClient(func(ctx context.Context, _, _ float64) (int, error) {
		cancel()
		<-ctx.Done()
		return 0, ctx.Err()
	})

	_, err := New(client, testConfig()).ClassifyAndExclude(ctx, sound())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyAndExclude_UnsupportedCRS(t *testing.T) {
	set := sound()
	set.CRS = crs.CRS(999999)
	_, err := New(dynamicworld.Static(1), testConfig()).ClassifyAndExclude(context.Background(), set)
	assert.Error(t, err)
}
