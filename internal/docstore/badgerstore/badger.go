// Package badgerstore implements docstore.Store on an embedded BadgerDB.
//
// Keys are laid out as {namespace}/{collection}/{id}; each value is a JSON
// record holding the revision, tombstone flag and body. Revision checks run
// inside a read-write transaction, so a concurrent writer touching the same
// key makes the commit fail with badger.ErrConflict, which is reported as a
// docstore.ConflictError like any other stale write.
package badgerstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/turnflow/internal/docstore"
)

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         zerolog.Logger
}

// DefaultConfig returns production defaults for a store rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		Logger:         zerolog.Nop(),
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true, Logger: zerolog.Nop()}
}

// badgerLogger adapts zerolog to badger's Logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// DB owns the badger handle and hands out namespaced stores.
type DB struct {
	db     *badger.DB
	log    zerolog.Logger
	stopGC chan struct{}
	wg     sync.WaitGroup
}

// Open opens the database described by cfg.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required when not in memory")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	log := cfg.Logger.With().Str("component", "badgerstore").Logger()
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	d := &DB{db: db, log: log, stopGC: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		d.wg.Add(1)
		go d.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	log.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("badger store opened")
	return d, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer d.wg.Done()
	if ratio <= 0 {
		ratio = 0.5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			for d.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	close(d.stopGC)
	d.wg.Wait()
	return d.db.Close()
}

// Namespace returns a store whose keys live under ns.
func (d *DB) Namespace(ns string) *Store {
	return &Store{db: d, ns: ns}
}

// Open implements docstore.Opener. Each user gets a namespace derived from
// the user id; the local store does not need the token.
func (d *DB) Open(_ context.Context, userID, _ string) (docstore.Store, error) {
	if userID == "" {
		return nil, &docstore.InvalidDocumentError{Reason: "user id is required"}
	}
	return d.Namespace("u" + hex.EncodeToString([]byte(userID))), nil
}

// withTxn runs fn in a read-write transaction and commits on success.
func (d *DB) withTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// withReadTxn runs fn in a read-only transaction.
func (d *DB) withReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}
