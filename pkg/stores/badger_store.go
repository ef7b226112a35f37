package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// Key layout:
//
//	model/<id>                      JSON record
//	live/<created_ns>/<id>          listing index, absent once deleted
//	history/<id>/<state_version>    JSON transition
const (
	modelPrefix   = "model/"
	livePrefix    = "live/"
	historyPrefix = "history/"
)

// BadgerStore implements lifecycle.Store and lifecycle.HistoryStore on Badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger database at cfg.Path, or in memory when
// cfg.InMemory is set.
func NewBadgerStore(cfg Config, logger zerolog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		opts = badger.DefaultOptions(filepath.Clean(cfg.Path))
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func modelKey(id string) []byte {
	return []byte(modelPrefix + id)
}

func liveKey(rec *lifecycle.ModelRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", livePrefix, rec.CreatedAt.UnixNano(), rec.ID))
}

func historyKey(modelID string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", historyPrefix, modelID, version))
}

// Create stores a new record.
func (s *BadgerStore) Create(_ context.Context, rec *lifecycle.ModelRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(modelKey(rec.ID)); err == nil {
			return lifecycle.NewConflictError("model already exists", nil).WithModel(rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(modelKey(rec.ID), data); err != nil {
			return err
		}
		if rec.State != lifecycle.StateDeleted {
			return txn.Set(liveKey(rec), nil)
		}
		return nil
	})
	return s.mapErr(rec.ID, 0, "create model", err)
}

// Get returns the record, including deleted ones.
func (s *BadgerStore) Get(_ context.Context, id string) (*lifecycle.ModelRecord, error) {
	var rec *lifecycle.ModelRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readModel(txn, id)
		return err
	})
	if err != nil {
		return nil, s.mapErr(id, 0, "get model", err)
	}
	return rec, nil
}

// List walks the listing index in creation order.
func (s *BadgerStore) List(_ context.Context, offset, limit int) ([]*lifecycle.ModelRecord, error) {
	recs := []*lifecycle.ModelRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(livePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(recs) >= limit {
				break
			}
			key := string(it.Item().Key())
			id := key[strings.LastIndex(key, "/")+1:]
			rec, err := readModel(txn, id)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return recs, nil
}

// CASUpdate replaces the record if its version still matches. A Badger
// transaction conflict is reported as a concurrent modification.
func (s *BadgerStore) CASUpdate(_ context.Context, id string, expectedVersion int64, rec *lifecycle.ModelRecord) error {
	if rec.StateVersion <= expectedVersion {
		return lifecycle.NewValidationError("state version must increase").WithModel(id)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		cur, err := readModel(txn, id)
		if err != nil {
			return err
		}
		if cur.StateVersion != expectedVersion {
			return lifecycle.NewConcurrentModificationError(id, expectedVersion)
		}
		if err := txn.Set(modelKey(id), data); err != nil {
			return err
		}
		if rec.State == lifecycle.StateDeleted && cur.State != lifecycle.StateDeleted {
			return txn.Delete(liveKey(cur))
		}
		return nil
	})
	return s.mapErr(id, expectedVersion, "update model", err)
}

// RecordTransition stores t under the model's history prefix.
func (s *BadgerStore) RecordTransition(_ context.Context, t lifecycle.Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(t.ModelID, t.StateVersion), data)
	})
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the model's transitions oldest first.
func (s *BadgerStore) ListTransitions(_ context.Context, modelID string, offset, limit int) ([]lifecycle.Transition, error) {
	ts := []lifecycle.Transition{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(historyPrefix + modelID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(ts) >= limit {
				break
			}
			var t lifecycle.Transition
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &t)
			}); err != nil {
				return err
			}
			ts = append(ts, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	return ts, nil
}

// HealthCheck fails once the database is closed.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("database not open")
	}
	return nil
}

// RunGC reclaims value log space. It returns nil when there was nothing to
// rewrite.
func (s *BadgerStore) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readModel(txn *badger.Txn, id string) (*lifecycle.ModelRecord, error) {
	item, err := txn.Get(modelKey(id))
	if err != nil {
		return nil, err
	}
	var rec lifecycle.ModelRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return &rec, nil
}

func (s *BadgerStore) mapErr(id string, expected int64, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return lifecycle.NewNotFoundError(id)
	case errors.Is(err, badger.ErrConflict):
		return lifecycle.NewConcurrentModificationError(id, expected).WithCause(err)
	case lifecycle.KindOf(err) != "":
		return err
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
