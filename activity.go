package ecosync

import "sort"

// dedupKey is the reconciliation identity for an activity record:
// (type, related_id) when both are present, else the raw id. A local record
// with no related_id can never suppress a server record by type alone.
func dedupKey(r ActivityRecord) string {
	if r.Type != "" && r.RelatedID != "" {
		return r.Type + "|" + r.RelatedID
	}
	return "id|" + r.ID
}

// MergeActivities reconciles locally-queued pending activity with
// server-confirmed activity into one ordered, capped, duplicate-free list.
//
// Local wins: a local record is the authoritative optimistic view of its own
// write until the syncer explicitly retires it, so a server record with the
// same correlation key (or the same raw id) is dropped. The merged result is
// sorted newest first and truncated to limit.
func MergeActivities(localPending, serverConfirmed []ActivityRecord, limit int) []ActivityRecord {
	if limit <= 0 {
		limit = 50
	}

	localKeys := make(map[string]bool, len(localPending))
	localIDs := make(map[string]bool, len(localPending))
	for _, l := range localPending {
		if l.Type != "" && l.RelatedID != "" {
			localKeys[l.Type+"|"+l.RelatedID] = true
		}
		if l.ID != "" {
			localIDs[l.ID] = true
		}
	}

	merged := make([]ActivityRecord, 0, len(localPending)+len(serverConfirmed))
	merged = append(merged, localPending...)
	for _, s := range serverConfirmed {
		if s.Type != "" && s.RelatedID != "" && localKeys[s.Type+"|"+s.RelatedID] {
			continue
		}
		if s.ID != "" && localIDs[s.ID] {
			continue
		}
		merged = append(merged, s)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// RetireSynced garbage-collects optimistic local records whose server
// counterpart has been observed: once the backend echoes a record with the
// same correlation key, the server copy supersedes the local one and the
// local entry is dropped rather than accumulating indefinitely. Records
// still awaiting their echo are kept unchanged.
func RetireSynced(localPending, serverConfirmed []ActivityRecord) []ActivityRecord {
	if len(localPending) == 0 || len(serverConfirmed) == 0 {
		return localPending
	}

	serverKeys := make(map[string]bool, len(serverConfirmed))
	for _, s := range serverConfirmed {
		serverKeys[dedupKey(s)] = true
	}

	kept := localPending[:0:0]
	for _, l := range localPending {
		if serverKeys[dedupKey(l)] {
			continue
		}
		kept = append(kept, l)
	}
	return kept
}
