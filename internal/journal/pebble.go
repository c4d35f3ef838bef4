package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Load for unknown keys.
var ErrNotFound = errors.New("journal record not found")

const (
	recordPrefix = "exec:"
	// recordUpper is the first key after every record key (';' follows ':').
	recordUpper = "exec;"
)

// Options configures the pebble-backed journal.
type Options struct {
	Path     string
	InMemory bool
	Logger   zerolog.Logger
}

// Journal stores execution records in pebble.
type Journal struct {
	db  *pebble.DB
	log zerolog.Logger
}

// Open opens (or creates) the journal.
func Open(opts Options) (*Journal, error) {
	po := &pebble.Options{}
	path := opts.Path
	if opts.InMemory {
		po.FS = vfs.NewMem()
		path = ""
	} else {
		if path == "" {
			return nil, errors.New("journal path is required when not in memory")
		}
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	log := opts.Logger.With().Str("component", "journal").Logger()
	db, err := pebble.Open(path, po)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("open journal failed")
		return nil, fmt.Errorf("open journal: %w", err)
	}
	log.Info().Str("path", path).Bool("in_memory", opts.InMemory).Msg("journal opened")
	return &Journal{db: db, log: log}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func recordKey(idempotencyKey string) []byte {
	return []byte(recordPrefix + idempotencyKey)
}

// Load returns the record stored under idempotencyKey.
func (j *Journal) Load(idempotencyKey string) (*Record, error) {
	data, closer, err := j.db.Get(recordKey(idempotencyKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read journal record: %w", err)
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode journal record %q: %w", idempotencyKey, err)
	}
	return &rec, nil
}

// Save durably writes rec, stamping UpdatedAt.
func (j *Journal) Save(rec *Record) error {
	if rec.IdempotencyKey == "" {
		return errors.New("journal record needs an idempotency key")
	}
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if err := j.db.Set(recordKey(rec.IdempotencyKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}

// Delete drops the record of idempotencyKey.
func (j *Journal) Delete(idempotencyKey string) error {
	return j.db.Delete(recordKey(idempotencyKey), pebble.Sync)
}

// ListOpen returns records that still need work and were last touched
// before staleBefore. A zero staleBefore lists every open record.
func (j *Journal) ListOpen(staleBefore time.Time) ([]*Record, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordPrefix),
		UpperBound: []byte(recordUpper),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []*Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			j.log.Warn().Err(err).Str("key", string(iter.Key())).Msg("skipping undecodable journal record")
			continue
		}
		if !rec.State.Open() {
			continue
		}
		if !staleBefore.IsZero() && !rec.UpdatedAt.Before(staleBefore) {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return out, nil
}
