package ecosync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// metaLastSync is the device-local flag recording the last full queue drain.
const metaLastSync = "last_sync"

// SyncerOptions configures the background syncer.
type SyncerOptions struct {
	// FlushInterval is how often the queue drainer wakes up.
	FlushInterval time.Duration

	// ActivityLimit caps the reconciled activity feed.
	ActivityLimit int

	// NetworkRetry is the retry profile for backend calls.
	NetworkRetry RetryConfig

	// Logger receives syncer diagnostics.
	Logger *slog.Logger
}

func (o *SyncerOptions) defaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.ActivityLimit <= 0 {
		o.ActivityLimit = 50
	}
	if o.NetworkRetry.MaxAttempts == 0 {
		o.NetworkRetry = NetworkRetryProfile()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Syncer drains the durable sync queue against the backend, performs
// cache-aside reads, and reconciles realtime deltas into the local store.
// UI reads and writes go through the Store first; the Syncer keeps the
// store and the backend converging in the background.
type Syncer struct {
	store  *Store
	client *Client
	opts   SyncerOptions

	mu       sync.Mutex
	online   bool
	flushing bool
	stopped  bool
	started  bool
	stopCh   chan struct{}
}

// NewSyncer creates a syncer. opts may be nil for defaults.
func NewSyncer(store *Store, client *Client, opts *SyncerOptions) *Syncer {
	var o SyncerOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Syncer{
		store:  store,
		client: client,
		opts:   o,
		online: true,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (y *Syncer) Start() {
	y.mu.Lock()
	if y.started || y.stopped {
		y.mu.Unlock()
		return
	}
	y.started = true
	y.mu.Unlock()
	go y.flushLoop()
}

// Stop halts background work. Idempotent.
func (y *Syncer) Stop() {
	y.mu.Lock()
	if !y.stopped {
		y.stopped = true
		close(y.stopCh)
	}
	y.mu.Unlock()
}

// Online reports the current connectivity assumption.
func (y *Syncer) Online() bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.online
}

// SetOnline feeds the environment's connectivity signal. Going online
// triggers an immediate queue drain.
func (y *Syncer) SetOnline(online bool) {
	y.mu.Lock()
	if y.online == online {
		y.mu.Unlock()
		return
	}
	y.online = online
	y.mu.Unlock()

	if online {
		go y.Flush(context.Background())
	}
}

// LastSync returns the recorded time of the last full queue drain.
func (y *Syncer) LastSync() (time.Time, bool) {
	v := y.store.Meta(metaLastSync)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (y *Syncer) flushLoop() {
	ticker := time.NewTicker(y.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-y.stopCh:
			return
		case <-ticker.C:
			y.Flush(context.Background())
		}
	}
}

// ============================================================================
// Optimistic writes
// ============================================================================

// SubmitReport captures a waste report locally and queues it for delivery.
// The returned activity record is the optimistic local view: it appears in
// the feed immediately and is retired once the server echo is observed. The
// report id doubles as the mandatory correlation key.
func (y *Syncer) SubmitReport(ctx context.Context, report PendingReport) (ActivityRecord, error) {
	if report.OwnerID == "" {
		return ActivityRecord{}, fmt.Errorf("report owner is required")
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}

	y.store.PutPendingReport(report)

	local := ActivityRecord{
		ID:         "local-" + uuid.NewString(),
		Type:       "report_submitted",
		Message:    report.Description,
		Timestamp:  report.CreatedAt,
		RelatedID:  report.ID,
		Source:     SourceLocal,
		SyncStatus: SyncPending,
	}
	y.appendLocalActivity(report.OwnerID, local)

	if err := y.enqueue(OpAdd, "reports", reportRow(report)); err != nil {
		return local, err
	}
	if y.Online() {
		go y.Flush(ctx)
	}
	return local, nil
}

// RequestPickup queues a pickup request with an optimistic feed entry.
func (y *Syncer) RequestPickup(ctx context.Context, ownerID string, point *GeoPoint) (ActivityRecord, error) {
	if ownerID == "" {
		return ActivityRecord{}, fmt.Errorf("owner is required")
	}
	pickupID := uuid.NewString()
	now := time.Now().UTC()

	local := ActivityRecord{
		ID:         "local-" + uuid.NewString(),
		Type:       "pickup_request",
		Message:    "Pickup requested",
		Timestamp:  now,
		RelatedID:  pickupID,
		Source:     SourceLocal,
		SyncStatus: SyncPending,
	}
	y.appendLocalActivity(ownerID, local)

	row := map[string]any{
		"id":     pickupID,
		"owner":  ownerID,
		"status": "requested",
	}
	if point.Valid() {
		row["latitude"] = point.Latitude
		row["longitude"] = point.Longitude
	}
	if err := y.enqueue(OpAdd, "pickups", row); err != nil {
		return local, err
	}
	if y.Online() {
		go y.Flush(ctx)
	}
	return local, nil
}

func (y *Syncer) enqueue(op SyncOp, storeName string, row map[string]any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal sync payload: %w", err)
	}
	_, err = y.store.EnqueueSync(SyncQueueEntry{
		Operation: op,
		StoreName: storeName,
		Payload:   payload,
	})
	return err
}

func reportRow(r PendingReport) map[string]any {
	row := map[string]any{
		"id":       r.ID,
		"owner":    r.OwnerID,
		"category": r.Category,
	}
	if r.Description != "" {
		row["description"] = r.Description
	}
	if r.Point.Valid() {
		row["latitude"] = r.Point.Latitude
		row["longitude"] = r.Point.Longitude
	}
	return row
}

// appendLocalActivity merges one optimistic record into the cached feed.
func (y *Syncer) appendLocalActivity(ownerID string, rec ActivityRecord) {
	cached := y.store.CachedActivity(ownerID, y.opts.ActivityLimit)
	merged := MergeActivities([]ActivityRecord{rec}, cached, y.opts.ActivityLimit)
	y.store.CacheActivity(ownerID, merged)
}

// ============================================================================
// Queue drain
// ============================================================================

// Flush drains the sync queue against the backend. Re-entrant calls and
// offline calls return immediately. Entries that fail permanently are
// dropped with a log; retryable failures stay queued for the next pass.
func (y *Syncer) Flush(ctx context.Context) {
	y.mu.Lock()
	if y.flushing || !y.online || y.stopped {
		y.mu.Unlock()
		return
	}
	y.flushing = true
	y.mu.Unlock()

	defer func() {
		y.mu.Lock()
		y.flushing = false
		y.mu.Unlock()
	}()

	entries := y.store.ListPendingSync()
	if len(entries) == 0 {
		return
	}

	drained := true
	for _, entry := range entries {
		_, err := RunWithRetry(ctx, y.opts.NetworkRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, y.apply(ctx, entry)
		})
		if err == nil {
			y.store.DequeueSync(entry.ID)
			y.confirm(entry)
			continue
		}
		switch Classify(err) {
		case ClassRetryable:
			// Transient: leave the entry for the next pass.
			y.opts.Logger.Info("sync entry deferred", "id", entry.ID, "store", entry.StoreName, "error", err)
			drained = false
		case ClassPermanent:
			// Retrying cannot help; a rejected mutation is dropped.
			y.opts.Logger.Warn("sync entry dropped", "id", entry.ID, "store", entry.StoreName, "error", err)
			y.store.DequeueSync(entry.ID)
		default:
			// Unclassified failures are not retried within a pass, but a
			// durable mutation is only discarded on a known rejection.
			y.opts.Logger.Warn("sync entry held", "id", entry.ID, "store", entry.StoreName, "error", err)
			drained = false
		}
	}

	if drained {
		y.store.SetMeta(metaLastSync, time.Now().UTC().Format(time.RFC3339Nano))
	}
}

func (y *Syncer) apply(ctx context.Context, entry SyncQueueEntry) error {
	var row map[string]any
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &row); err != nil {
			return fmt.Errorf("decode sync payload: %w", err)
		}
	}
	switch entry.Operation {
	case OpAdd:
		_, err := y.client.InsertRow(ctx, entry.StoreName, row)
		return err
	case OpUpdate:
		id := strOr(row, "id", "")
		if id == "" {
			return fmt.Errorf("update entry missing row id")
		}
		return y.client.UpdateRow(ctx, entry.StoreName, id, row)
	case OpDelete:
		id := strOr(row, "id", "")
		if id == "" {
			return fmt.Errorf("delete entry missing row id")
		}
		return y.client.DeleteRow(ctx, entry.StoreName, id)
	default:
		return fmt.Errorf("unknown sync operation %q", entry.Operation)
	}
}

// confirm runs the local bookkeeping for a delivered entry: pending reports
// are cleared and the matching optimistic feed entry moves to synced so the
// next server fetch can retire it.
func (y *Syncer) confirm(entry SyncQueueEntry) {
	var row map[string]any
	if json.Unmarshal(entry.Payload, &row) != nil {
		return
	}
	id := strOr(row, "id", "")
	owner := strOr(row, "owner", "")

	if entry.StoreName == "reports" && entry.Operation == OpAdd && id != "" {
		y.store.DeletePendingReport(id)
	}
	if owner == "" || id == "" {
		return
	}

	cached := y.store.CachedActivity(owner, y.opts.ActivityLimit)
	changed := false
	for i := range cached {
		if cached[i].Source == SourceLocal && cached[i].RelatedID == id && cached[i].SyncStatus == SyncPending {
			cached[i].SyncStatus = SyncSynced
			changed = true
		}
	}
	if changed {
		y.store.CacheActivity(owner, cached)
	}
}

// ============================================================================
// Cache-aside reads
// ============================================================================

// Stats returns the owner's stats, serving the cached snapshot when fresh
// and falling back to a retried network fetch (with write-back) otherwise.
func (y *Syncer) Stats(ctx context.Context, ownerID string) (*CachedStats, error) {
	if cached := y.store.CachedStats(ownerID); cached != nil {
		return cached, nil
	}
	stats, err := RunWithRetry(ctx, y.opts.NetworkRetry, func(ctx context.Context) (*CachedStats, error) {
		return y.client.FetchStats(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	// Write-back is best effort: a degraded store drops it, but the fetched
	// snapshot is still the answer.
	y.store.CacheStats(ownerID, *stats)
	if stats.CachedAt.IsZero() {
		stats.CachedAt = time.Now().UTC()
	}
	return stats, nil
}

// Activity returns the reconciled feed: cached local pending records merged
// with the freshest server view available. When the network fails, the
// cached feed is served as-is.
func (y *Syncer) Activity(ctx context.Context, ownerID string, limit int) []ActivityRecord {
	if limit <= 0 {
		limit = y.opts.ActivityLimit
	}
	cached := y.store.CachedActivity(ownerID, limit)

	if !y.Online() {
		return cached
	}
	server, err := RunWithRetry(ctx, y.opts.NetworkRetry, func(ctx context.Context) ([]ActivityRecord, error) {
		return y.client.FetchActivity(ctx, ownerID, limit)
	})
	if err != nil {
		y.opts.Logger.Info("activity refresh failed, serving cache", "owner", ownerID, "error", err)
		return cached
	}
	return y.reconcileActivity(ownerID, server, limit)
}

// reconcileActivity merges fresh server records with surviving local pending
// records, retires confirmed locals, and writes the result back. server is
// the authoritative full feed, so cached server rows are superseded by it.
func (y *Syncer) reconcileActivity(ownerID string, server []ActivityRecord, limit int) []ActivityRecord {
	var locals []ActivityRecord
	for _, r := range y.store.CachedActivity(ownerID, limit) {
		if r.Source == SourceLocal {
			locals = append(locals, r)
		}
	}
	locals = RetireSynced(locals, server)
	merged := MergeActivities(locals, server, limit)
	y.store.CacheActivity(ownerID, merged)
	return merged
}

// applyActivityDelta folds one realtime activity record into the cached feed.
// Unlike a full fetch, a delta supersedes nothing: cached server history is
// kept and the delta joins it (replacing a row with the same id).
func (y *Syncer) applyActivityDelta(ownerID string, rec ActivityRecord) {
	var locals, server []ActivityRecord
	for _, r := range y.store.CachedActivity(ownerID, y.opts.ActivityLimit) {
		if r.Source == SourceLocal {
			locals = append(locals, r)
		} else {
			server = append(server, r)
		}
	}

	replaced := false
	for i := range server {
		if server[i].ID == rec.ID {
			server[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		server = append(server, rec)
	}

	locals = RetireSynced(locals, server)
	y.store.CacheActivity(ownerID, MergeActivities(locals, server, y.opts.ActivityLimit))
}

// ============================================================================
// Realtime deltas
// ============================================================================

// HandleChange folds a realtime change event into the local caches. Stats
// events go through the reducer; activity inserts join the feed. Events the
// reducer does not understand leave the caches untouched.
func (y *Syncer) HandleChange(ownerID string, ev ChangeEvent) {
	if ev.Table == TableActivity && ev.Type == ChangeInsert && ev.New != nil {
		rec := activityFromRow(ev.New)
		if rec.ID != "" {
			y.applyActivityDelta(ownerID, rec)
		}
	}

	current := y.store.CachedStats(ownerID)
	base := CachedStats{OwnerID: ownerID}
	if current != nil {
		base = *current
	}
	next := ReduceStats(ev.Table, &ev, base)
	if next != base {
		y.store.CacheStats(ownerID, next)
	}
}

// Watch subscribes the syncer to the owner's reducer tables on the given
// manager. The returned handles are also released by manager.Shutdown.
func (y *Syncer) Watch(ctx context.Context, m *SubscriptionManager, ownerID string) ([]*SubscriptionHandle, error) {
	tables := []string{TableUserStats, TablePickups, TableActivity}
	handles := make([]*SubscriptionHandle, 0, len(tables))
	for _, table := range tables {
		h, err := m.Subscribe(ctx, table, ownerID, func(ev ChangeEvent) {
			y.HandleChange(ownerID, ev)
		})
		if err != nil {
			for _, prev := range handles {
				prev.Unsubscribe()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// activityFromRow builds a feed record from a loosely-typed activity row.
func activityFromRow(row map[string]any) ActivityRecord {
	ts := time.Now().UTC()
	if raw := strOr(row, "timestamp", strOr(row, "created_at", "")); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed
		} else if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	return ActivityRecord{
		ID:         strOr(row, "id", ""),
		Type:       strOr(row, "type", "activity"),
		Message:    strOr(row, "message", strOr(row, "description", "")),
		Timestamp:  ts,
		Points:     intOr(row, "points", 0),
		RelatedID:  strOr(row, "related_id", ""),
		Source:     SourceServer,
		SyncStatus: SyncSynced,
	}
}
