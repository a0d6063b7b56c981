package ecosync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduceStatsNilEvent(t *testing.T) {
	base := CachedStats{Points: 10, Pickups: 2}
	assert.Equal(t, base, ReduceStats(TableUserStats, nil, base))
}

func TestReduceStatsUnknownTable(t *testing.T) {
	base := CachedStats{Points: 10}
	ev := &ChangeEvent{Type: ChangeInsert, New: map[string]any{"points": float64(99)}}
	assert.Equal(t, base, ReduceStats("collection_routes", ev, base))
}

func TestReduceStatsUserStatsMixedAliases(t *testing.T) {
	// A row carrying canonical names for some quantities and nothing for
	// others must only touch what it names.
	base := CachedStats{Points: 5, Pickups: 1, Reports: 4, Batches: 9, TotalBags: 2}
	ev := &ChangeEvent{
		Type: ChangeUpdate,
		New: map[string]any{
			"total_bags":    float64(7),
			"total_batches": float64(3),
		},
	}

	got := ReduceStats(TableUserStats, ev, base)
	assert.Equal(t, 7, got.TotalBags)
	assert.Equal(t, 3, got.Batches)
	assert.Equal(t, 5, got.Points, "untouched field keeps the prior value")
	assert.Equal(t, 1, got.Pickups)
	assert.Equal(t, 4, got.Reports)
	assert.False(t, got.LastUpdated.IsZero())
}

func TestReduceStatsFieldPrecedence(t *testing.T) {
	ev := &ChangeEvent{
		Type: ChangeUpdate,
		New: map[string]any{
			"total_batches":   float64(6),
			"batches":         float64(2),
			"scanned_batches": []any{"a", "b", "c", "d"},
		},
	}
	got := ReduceStats(TableUserStats, ev, CachedStats{})
	assert.Equal(t, 6, got.Batches, "canonical field wins over alias and derived")

	ev = &ChangeEvent{
		Type: ChangeUpdate,
		New: map[string]any{
			"batches":         float64(2),
			"scanned_batches": []any{"a", "b", "c", "d"},
		},
	}
	got = ReduceStats(TableUserStats, ev, CachedStats{})
	assert.Equal(t, 2, got.Batches, "alias wins over derived")

	ev = &ChangeEvent{
		Type: ChangeUpdate,
		New:  map[string]any{"scanned_batches": []any{"a", "b", "c", "d"}},
	}
	got = ReduceStats(TableUserStats, ev, CachedStats{})
	assert.Equal(t, 4, got.Batches, "list length is the last resort")
}

func TestReduceStatsUserStatsNoRecognizedFields(t *testing.T) {
	base := CachedStats{Points: 5}
	ev := &ChangeEvent{Type: ChangeUpdate, New: map[string]any{"streak_days": float64(3)}}
	got := ReduceStats(TableUserStats, ev, base)
	assert.Equal(t, base, got)
	assert.True(t, got.LastUpdated.IsZero(), "no-op must not bump the timestamp")
}

func TestReduceStatsProfilePoints(t *testing.T) {
	ev := &ChangeEvent{Type: ChangeUpdate, New: map[string]any{"reward_points": float64(120)}}
	got := ReduceStats(TableProfiles, ev, CachedStats{Points: 80, Pickups: 3})
	assert.Equal(t, 120, got.Points)
	assert.Equal(t, 3, got.Pickups)
}

func TestReduceStatsPickupCounting(t *testing.T) {
	base := CachedStats{Pickups: 1}

	got := ReduceStats(TablePickups, &ChangeEvent{Type: ChangeInsert}, base)
	assert.Equal(t, 2, got.Pickups)

	got = ReduceStats(TablePickups, &ChangeEvent{Type: ChangeDelete}, got)
	assert.Equal(t, 1, got.Pickups)

	// An update to a pickup row is not a count change.
	got2 := ReduceStats(TablePickups, &ChangeEvent{Type: ChangeUpdate}, got)
	assert.Equal(t, got, got2)
}

func TestReduceStatsPickupDeleteNeverNegative(t *testing.T) {
	got := ReduceStats(TablePickups, &ChangeEvent{Type: ChangeDelete}, CachedStats{})
	assert.Zero(t, got.Pickups)
}

func TestReduceStatsReportInsert(t *testing.T) {
	got := ReduceStats(TableReports, &ChangeEvent{Type: ChangeInsert}, CachedStats{Reports: 2})
	assert.Equal(t, 3, got.Reports)

	same := ReduceStats(TableReports, &ChangeEvent{Type: ChangeDelete}, got)
	assert.Equal(t, got, same)
}

func TestReduceStatsActivityPoints(t *testing.T) {
	ev := &ChangeEvent{Type: ChangeInsert, New: map[string]any{"points": float64(15)}}
	got := ReduceStats(TableActivity, ev, CachedStats{Points: 100})
	assert.Equal(t, 115, got.Points)

	// Zero-point activity is not a stats change.
	ev = &ChangeEvent{Type: ChangeInsert, New: map[string]any{"points": float64(0)}}
	base := CachedStats{Points: 100}
	assert.Equal(t, base, ReduceStats(TableActivity, ev, base))
}
