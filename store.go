package ecosync

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ============================================================================
// Store configuration
// ============================================================================

// schemaVersion is the store layout the code expects. Upgrades are additive:
//
//	v1: stats cache + sync queue
//	v2: activity cache
//	v3: saved locations + pending reports
const schemaVersion = 3

const (
	statsTTL    = 24 * time.Hour
	activityTTL = 24 * time.Hour
)

// Key prefixes for the four logical tables plus the meta namespace.
var (
	prefixStats    = []byte("stats:")
	prefixActivity = []byte("activity:")
	prefixQueue    = []byte("queue:")
	prefixLocation = []byte("location:")
	prefixReport   = []byte("report:")
	prefixMeta     = []byte("meta:")
)

var queueSeqKey = []byte("!queue_seq")

// StoreConfig configures the local persistent store.
type StoreConfig struct {
	// Path is the directory for the database files. Required unless InMemory.
	Path string

	// InMemory opens the store without disk persistence. Used in tests.
	InMemory bool

	// SyncWrites forces fsync on every write.
	SyncWrites bool
}

// ============================================================================
// Store
// ============================================================================

// Store is the embedded, versioned local cache. It owns the on-disk rows;
// in-memory UI state is a disposable projection rebuilt from it.
//
// A Store opened in degraded mode (see OpenStoreOrDegraded) answers every
// read with a zero value and turns every write into a logged no-op, so a
// broken local environment degrades to network-only instead of crashing.
type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	logger   *slog.Logger
	now      func() time.Time
	degraded bool
}

// OpenStore opens (and if needed migrates) the local store.
func OpenStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("store path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	seq, err := db.GetSequence(queueSeqKey, 32)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}
	s.seq = seq

	return s, nil
}

// OpenStoreOrDegraded opens the store, falling back to a degraded no-op store
// when the environment cannot host one (bad path, quota, locked directory).
func OpenStoreOrDegraded(cfg StoreConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := OpenStore(cfg, logger)
	if err != nil {
		logger.Warn("local store unavailable, degrading to network-only mode", "error", err)
		return &Store{logger: logger, now: time.Now, degraded: true}
	}
	return s
}

// Degraded reports whether the store is running without persistence.
func (s *Store) Degraded() bool {
	return s.degraded
}

// Close releases the queue sequence and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.seq != nil {
		if err := s.seq.Release(); err != nil {
			s.logger.Warn("release queue sequence", "error", err)
		}
	}
	return s.db.Close()
}

// ── Schema migration ─────────────────────────────────────

func (s *Store) migrate() error {
	current := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey("schema_version"))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			current, _ = strconv.Atoi(string(val))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	// Badger is schemaless, so each upgrade step only has to announce the
	// namespaces the new version starts using. Existing keys are untouched.
	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			s.logger.Info("store schema: stats cache and sync queue", "version", v)
		case 2:
			s.logger.Info("store schema: activity cache", "version", v)
		case 3:
			s.logger.Info("store schema: saved locations and pending reports", "version", v)
		}
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey("schema_version"), []byte(strconv.Itoa(schemaVersion)))
	})
	if err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

func metaKey(name string) []byte {
	return append(append([]byte{}, prefixMeta...), name...)
}

// ============================================================================
// Stats cache
// ============================================================================

// CacheStats stores a stats snapshot for an owner, superseding any prior
// snapshot wholesale.
func (s *Store) CacheStats(ownerID string, stats CachedStats) {
	if s.db == nil {
		s.logger.Warn("store degraded, dropping stats write", "owner", ownerID)
		return
	}
	stats.OwnerID = ownerID
	stats.CachedAt = s.now()
	data, err := json.Marshal(stats)
	if err != nil {
		s.logger.Warn("marshal stats", "error", err)
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statsKey(ownerID), data)
	})
	if err != nil {
		s.logger.Warn("cache stats write failed", "owner", ownerID, "error", err)
	}
}

// CachedStats returns the cached snapshot for an owner, or nil when it is
// absent or older than the TTL.
func (s *Store) CachedStats(ownerID string) *CachedStats {
	if s.db == nil {
		return nil
	}
	var stats *CachedStats
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statsKey(ownerID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var st CachedStats
			if err := json.Unmarshal(val, &st); err != nil {
				return err
			}
			stats = &st
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("cached stats read failed", "owner", ownerID, "error", err)
		return nil
	}
	if stats == nil || s.now().Sub(stats.CachedAt) > statsTTL {
		return nil
	}
	return stats
}

func statsKey(ownerID string) []byte {
	return append(append([]byte{}, prefixStats...), ownerID...)
}

// ============================================================================
// Activity cache
// ============================================================================

type cachedActivityRow struct {
	Record   ActivityRecord `json:"record"`
	CachedAt time.Time      `json:"cached_at"`
}

// CacheActivity replaces the cached activity rows for an owner with the
// given records. Full replace: prior rows for the owner are deleted first.
func (s *Store) CacheActivity(ownerID string, records []ActivityRecord) {
	if s.db == nil {
		s.logger.Warn("store degraded, dropping activity write", "owner", ownerID)
		return
	}
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := activityPrefix(ownerID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, rec := range records {
			data, err := json.Marshal(cachedActivityRow{Record: rec, CachedAt: now})
			if err != nil {
				return err
			}
			if err := txn.Set(activityKey(ownerID, rec.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("cache activity write failed", "owner", ownerID, "error", err)
	}
}

// CachedActivity returns the cached activity for an owner, newest first,
// with expired rows dropped and the result capped at limit.
func (s *Store) CachedActivity(ownerID string, limit int) []ActivityRecord {
	if s.db == nil {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	var records []ActivityRecord
	cutoff := s.now().Add(-activityTTL)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := activityPrefix(ownerID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var row cachedActivityRow
				if err := json.Unmarshal(val, &row); err != nil {
					return nil // skip unreadable rows
				}
				if row.CachedAt.Before(cutoff) {
					return nil
				}
				records = append(records, row.Record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("cached activity read failed", "owner", ownerID, "error", err)
		return nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

func activityPrefix(ownerID string) []byte {
	return append(append(append([]byte{}, prefixActivity...), ownerID...), ':')
}

func activityKey(ownerID, id string) []byte {
	return append(activityPrefix(ownerID), id...)
}

// ============================================================================
// Sync queue
// ============================================================================

// EnqueueSync appends a mutation to the durable sync queue and returns its id.
func (s *Store) EnqueueSync(entry SyncQueueEntry) (uint64, error) {
	if s.db == nil {
		s.logger.Warn("store degraded, dropping sync enqueue", "store", entry.StoreName)
		return 0, nil
	}
	id, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next queue id: %w", err)
	}
	entry.ID = id
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue sync entry: %w", err)
	}
	return id, nil
}

// DequeueSync removes a confirmed entry from the queue.
func (s *Store) DequeueSync(id uint64) {
	if s.db == nil {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(queueKey(id))
	})
	if err != nil {
		s.logger.Warn("dequeue sync entry failed", "id", id, "error", err)
	}
}

// ListPendingSync returns all queued entries in enqueue order.
func (s *Store) ListPendingSync() []SyncQueueEntry {
	if s.db == nil {
		return nil
	}
	var entries []SyncQueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixQueue})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e SyncQueueEntry
				if err := json.Unmarshal(val, &e); err != nil {
					return nil
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("list pending sync failed", "error", err)
		return nil
	}
	return entries
}

// queueKey encodes the id big-endian so key order matches enqueue order.
func queueKey(id uint64) []byte {
	k := make([]byte, 0, len(prefixQueue)+8)
	k = append(k, prefixQueue...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(k, buf[:]...)
}

// ============================================================================
// Saved locations
// ============================================================================

// SaveLocation stores a saved location for an owner.
func (s *Store) SaveLocation(loc SavedLocation) {
	if s.db == nil {
		s.logger.Warn("store degraded, dropping location write", "owner", loc.OwnerID)
		return
	}
	data, err := json.Marshal(loc)
	if err != nil {
		s.logger.Warn("marshal location", "error", err)
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(locationKey(loc.OwnerID, loc.ID), data)
	})
	if err != nil {
		s.logger.Warn("save location failed", "owner", loc.OwnerID, "error", err)
	}
}

// Locations returns the saved locations for an owner, newest first.
func (s *Store) Locations(ownerID string) []SavedLocation {
	if s.db == nil {
		return nil
	}
	var locs []SavedLocation
	prefix := append(append(append([]byte{}, prefixLocation...), ownerID...), ':')
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var l SavedLocation
				if json.Unmarshal(val, &l) == nil {
					locs = append(locs, l)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("list locations failed", "owner", ownerID, "error", err)
		return nil
	}
	sort.SliceStable(locs, func(i, j int) bool {
		return locs[i].CreatedAt.After(locs[j].CreatedAt)
	})
	return locs
}

// DeleteLocation removes a saved location.
func (s *Store) DeleteLocation(ownerID, id string) {
	if s.db == nil {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(locationKey(ownerID, id))
	})
	if err != nil {
		s.logger.Warn("delete location failed", "owner", ownerID, "error", err)
	}
}

func locationKey(ownerID, id string) []byte {
	return append(append(append(append([]byte{}, prefixLocation...), ownerID...), ':'), id...)
}

// ============================================================================
// Pending reports
// ============================================================================

// PutPendingReport stores a report awaiting delivery.
func (s *Store) PutPendingReport(rep PendingReport) {
	if s.db == nil {
		s.logger.Warn("store degraded, dropping pending report", "owner", rep.OwnerID)
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		s.logger.Warn("marshal pending report", "error", err)
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(rep.ID), data)
	})
	if err != nil {
		s.logger.Warn("put pending report failed", "id", rep.ID, "error", err)
	}
}

// PendingReports returns all reports awaiting delivery, oldest first.
func (s *Store) PendingReports() []PendingReport {
	if s.db == nil {
		return nil
	}
	var reports []PendingReport
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixReport})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r PendingReport
				if json.Unmarshal(val, &r) == nil {
					reports = append(reports, r)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("list pending reports failed", "error", err)
		return nil
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CreatedAt.Before(reports[j].CreatedAt)
	})
	return reports
}

// DeletePendingReport removes a delivered report.
func (s *Store) DeletePendingReport(id string) {
	if s.db == nil {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(reportKey(id))
	})
	if err != nil {
		s.logger.Warn("delete pending report failed", "id", id, "error", err)
	}
}

func reportKey(id string) []byte {
	return append(append([]byte{}, prefixReport...), id...)
}

// ============================================================================
// Meta flags
// ============================================================================

// SetMeta stores a small device-local flag, e.g. the last successful sync time.
func (s *Store) SetMeta(name, value string) {
	if s.db == nil {
		s.logger.Warn("store degraded, dropping meta write", "name", name)
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), []byte(value))
	})
	if err != nil {
		s.logger.Warn("set meta failed", "name", name, "error", err)
	}
}

// Meta returns a device-local flag, or "" when absent.
func (s *Store) Meta(name string) string {
	if s.db == nil {
		return ""
	}
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(bytes.Clone(val))
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("read meta failed", "name", name, "error", err)
		return ""
	}
	return value
}
