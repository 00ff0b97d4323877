// Package badgerstore implements store.Store on an embedded BadgerDB.
//
// Layout:
//
//	rec\x00<id>                     -> JSON envelope {value, fields, version}
//	idx\x00<field>\x00<term>\x00<id> -> empty
//
// Ids are 8-byte big endian so prefix scans return them in order.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/sprite-ai/p4review/internal/store"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory disables persistence. Useful for tests.
	InMemory   bool
	SyncWrites bool
	// Logger receives Badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Store is a store.Store backed by Badger.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

type envelope struct {
	Value   []byte              `json:"value"`
	Fields  map[string][]string `json:"fields,omitempty"`
	Version int64               `json:"version"`
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

func idBytes(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func recordKey(id int64) []byte {
	return append([]byte("rec\x00"), idBytes(id)...)
}

func termPrefix(field, term string) []byte {
	return []byte("idx\x00" + field + "\x00" + term + "\x00")
}

func indexKey(field, term string, id int64) []byte {
	return append(termPrefix(field, term), idBytes(id)...)
}

func getEnvelope(txn *badger.Txn, id int64) (*envelope, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("record %d: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	var env envelope
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return &env, nil
}

func (s *Store) Put(_ context.Context, rec store.Record, expectedVersion int64) (int64, error) {
	var next int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var current int64
		old, err := getEnvelope(txn, rec.ID)
		switch {
		case err == nil:
			current = old.Version
		case errors.Is(err, store.ErrNotFound):
		default:
			return err
		}
		if err := store.CheckVersion(rec.ID, current, expectedVersion); err != nil {
			return err
		}

		if old != nil {
			for field, terms := range old.Fields {
				for _, term := range terms {
					if err := txn.Delete(indexKey(field, term, rec.ID)); err != nil {
						return err
					}
				}
			}
		}

		next = current + 1
		data, err := json.Marshal(envelope{Value: rec.Value, Fields: rec.Fields, Version: next})
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		for field, terms := range rec.Fields {
			for _, term := range terms {
				if err := txn.Set(indexKey(field, term, rec.ID), []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return 0, fmt.Errorf("record %d: %w", rec.ID, store.ErrConflict)
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Get(_ context.Context, id int64) (*store.Record, error) {
	var env *envelope
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		env, err = getEnvelope(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &store.Record{ID: id, Value: env.Value, Fields: env.Fields, Version: env.Version}, nil
}

func (s *Store) Delete(_ context.Context, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		env, err := getEnvelope(txn, id)
		if err != nil {
			return err
		}
		for field, terms := range env.Fields {
			for _, term := range terms {
				if err := txn.Delete(indexKey(field, term, id)); err != nil {
					return err
				}
			}
		}
		return txn.Delete(recordKey(id))
	})
}

// scanIDs collects the trailing 8-byte ids of every key under prefix.
func scanIDs(txn *badger.Txn, prefix []byte, into map[int64]bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		if len(key) != len(prefix)+8 {
			continue
		}
		into[int64(binary.BigEndian.Uint64(key[len(prefix):]))] = true
	}
}

func (s *Store) Search(_ context.Context, q store.Query) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		var result map[int64]bool
		if len(q.Conditions) == 0 {
			result = map[int64]bool{}
			scanIDs(txn, []byte("rec\x00"), result)
		}
		for _, c := range q.Conditions {
			matched := map[int64]bool{}
			for _, term := range c.Terms {
				scanIDs(txn, termPrefix(c.Field, term), matched)
			}
			if result == nil {
				result = matched
				continue
			}
			for id := range result {
				if !matched[id] {
					delete(result, id)
				}
			}
		}
		for id := range result {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store.SortAndLimit(ids, q.Limit), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
