package ecosync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func actRecord(id, typ, related string, ts time.Time, src ActivitySource) ActivityRecord {
	return ActivityRecord{
		ID:        id,
		Type:      typ,
		RelatedID: related,
		Timestamp: ts,
		Source:    src,
	}
}

func TestMergeActivitiesLocalWins(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	local := []ActivityRecord{
		actRecord("local-1", "report_submitted", "r-100", base, SourceLocal),
	}
	server := []ActivityRecord{
		// Same correlation key as the optimistic local record: must be dropped.
		actRecord("srv-9", "report_submitted", "r-100", base.Add(time.Minute), SourceServer),
		actRecord("srv-8", "pickup_completed", "p-7", base.Add(-time.Hour), SourceServer),
	}

	merged := MergeActivities(local, server, 10)
	require.Len(t, merged, 2)
	assert.Equal(t, "local-1", merged[0].ID)
	assert.Equal(t, "srv-8", merged[1].ID)
}

func TestMergeActivitiesIDFallback(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Local record without a related id only suppresses a server record with
	// the same raw id, never by type alone.
	local := []ActivityRecord{
		actRecord("act-1", "report_submitted", "", base, SourceLocal),
	}
	server := []ActivityRecord{
		actRecord("act-1", "report_submitted", "r-1", base, SourceServer),
		actRecord("act-2", "report_submitted", "r-2", base.Add(time.Second), SourceServer),
	}

	merged := MergeActivities(local, server, 10)
	require.Len(t, merged, 2)
	assert.Equal(t, "act-2", merged[0].ID)
	assert.Equal(t, "act-1", merged[1].ID)
	assert.Equal(t, SourceLocal, merged[1].Source)
}

func TestMergeActivitiesOrderAndCap(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var server []ActivityRecord
	for i := 0; i < 8; i++ {
		server = append(server, actRecord(
			fmt.Sprintf("srv-%d", i), "pickup_completed", fmt.Sprintf("p-%d", i),
			base.Add(time.Duration(i)*time.Hour), SourceServer))
	}

	merged := MergeActivities(nil, server, 5)
	require.Len(t, merged, 5)
	for i := 1; i < len(merged); i++ {
		assert.False(t, merged[i].Timestamp.After(merged[i-1].Timestamp),
			"feed must be newest first")
	}
	assert.Equal(t, "srv-7", merged[0].ID)
	assert.Equal(t, "srv-3", merged[4].ID)
}

func TestMergeActivitiesDefaultLimit(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var server []ActivityRecord
	for i := 0; i < 60; i++ {
		server = append(server, actRecord(
			fmt.Sprintf("srv-%d", i), "scan", fmt.Sprintf("b-%d", i),
			base.Add(time.Duration(i)*time.Minute), SourceServer))
	}

	assert.Len(t, MergeActivities(nil, server, 0), 50)
}

func TestMergeActivitiesEmptyInputs(t *testing.T) {
	assert.Empty(t, MergeActivities(nil, nil, 10))

	base := time.Now().UTC()
	local := []ActivityRecord{actRecord("l-1", "report_submitted", "r-1", base, SourceLocal)}
	merged := MergeActivities(local, nil, 10)
	require.Len(t, merged, 1)
	assert.Equal(t, "l-1", merged[0].ID)
}

func TestRetireSynced(t *testing.T) {
	base := time.Now().UTC()

	local := []ActivityRecord{
		actRecord("l-1", "report_submitted", "r-1", base, SourceLocal),
		actRecord("l-2", "pickup_request", "p-2", base, SourceLocal),
	}
	server := []ActivityRecord{
		actRecord("srv-1", "report_submitted", "r-1", base, SourceServer),
	}

	kept := RetireSynced(local, server)
	require.Len(t, kept, 1)
	assert.Equal(t, "l-2", kept[0].ID, "only the echoed record is retired")

	// No server echoes: everything stays.
	assert.Equal(t, local, RetireSynced(local, nil))
}
