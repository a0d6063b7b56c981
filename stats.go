package ecosync

import "time"

// Source tables whose change events the reducer understands. Anything else
// is a no-op.
const (
	TableUserStats = "user_stats"
	TableProfiles  = "profiles"
	TablePickups   = "pickups"
	TableReports   = "reports"
	TableActivity  = "user_activity"
)

// statsFields is the canonical internal shape a change event normalizes
// into before reduction. Pointers distinguish "absent" from zero.
type statsFields struct {
	points        *int
	pickups       *int
	reports       *int
	batches       *int
	totalBags     *int
	availableBags *int
}

// pickInt resolves one logical quantity from a row by fixed precedence:
// explicit canonical field, then legacy alias, then a derived fallback
// (length of a list field). Returns nil when none apply.
func pickInt(row map[string]any, canonical, legacy, derivedList string) *int {
	if hasNum(row, canonical) {
		v := intOr(row, canonical, 0)
		return &v
	}
	if legacy != "" && hasNum(row, legacy) {
		v := intOr(row, legacy, 0)
		return &v
	}
	if derivedList != "" {
		if n := listLen(row, derivedList); n >= 0 {
			return &n
		}
	}
	return nil
}

// normalizeStats maps the heterogeneous upstream row shapes onto the
// canonical statsFields. This is the one place field-name guessing happens;
// everything downstream sees a single shape.
func normalizeStats(table string, ev *ChangeEvent) statsFields {
	var f statsFields
	row := ev.New
	if row == nil {
		return f
	}

	switch table {
	case TableUserStats:
		f.points = pickInt(row, "points", "total_points", "")
		f.pickups = pickInt(row, "pickups", "total_pickups", "")
		f.reports = pickInt(row, "reports", "total_reports", "")
		f.batches = pickInt(row, "total_batches", "batches", "scanned_batches")
		f.totalBags = pickInt(row, "total_bags", "bags", "scanned_batches")
		f.availableBags = pickInt(row, "available_bags", "bags_available", "")
	case TableProfiles:
		f.points = pickInt(row, "points", "reward_points", "")
	}
	return f
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ReduceStats folds a change event into the current stats snapshot and
// returns the new snapshot. It is total: a nil event, an event for an
// unknown table, or a malformed payload returns the input unchanged. Only
// the sub-fields the event concerns are touched; this is a merge, not a
// replace.
func ReduceStats(table string, ev *ChangeEvent, current CachedStats) CachedStats {
	if ev == nil {
		return current
	}

	next := current

	switch table {
	case TableUserStats, TableProfiles:
		f := normalizeStats(table, ev)
		if f == (statsFields{}) {
			return current
		}
		if f.points != nil {
			next.Points = clamp(*f.points)
		}
		if f.pickups != nil {
			next.Pickups = clamp(*f.pickups)
		}
		if f.reports != nil {
			next.Reports = clamp(*f.reports)
		}
		if f.batches != nil {
			next.Batches = clamp(*f.batches)
		}
		if f.totalBags != nil {
			next.TotalBags = clamp(*f.totalBags)
		}
		if f.availableBags != nil {
			next.AvailableBags = clamp(*f.availableBags)
		}

	case TablePickups:
		switch ev.Type {
		case ChangeInsert:
			next.Pickups = clamp(next.Pickups + 1)
		case ChangeDelete:
			next.Pickups = clamp(next.Pickups - 1)
		default:
			return current
		}

	case TableReports:
		if ev.Type != ChangeInsert {
			return current
		}
		next.Reports = clamp(next.Reports + 1)

	case TableActivity:
		if ev.Type != ChangeInsert || ev.New == nil {
			return current
		}
		if pts := intOr(ev.New, "points", 0); pts > 0 {
			next.Points = clamp(next.Points + pts)
		} else {
			return current
		}

	default:
		return current
	}

	next.LastUpdated = time.Now().UTC()
	return next
}
