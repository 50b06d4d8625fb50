package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const badgerKeyPrefix = "audit:"

// BadgerSink stores msgpack-encoded records in an embedded Badger database,
// keyed by time so iteration order is chronological.
type BadgerSink struct {
	db  *badger.DB
	seq atomic.Uint64
}

type BadgerOptions struct {
	// Dir is the directory for Badger data files. Required unless InMemory.
	Dir string

	// InMemory runs Badger without disk persistence.
	InMemory bool

	// ReadOnly opens an existing directory for inspection (audit tail).
	ReadOnly bool

	Logger *slog.Logger
}

func NewBadgerSink(opts BadgerOptions) (*BadgerSink, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("audit: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.ReadOnly {
		dbOpts = dbOpts.WithReadOnly(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

func (s *BadgerSink) Append(_ context.Context, rec Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	key := s.key(rec)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerSink) key(rec Record) []byte {
	return fmt.Appendf(nil, "%s%020d:%s:%08d", badgerKeyPrefix, rec.Time.UnixNano(), rec.SessionID, s.seq.Add(1))
}

// Tail yields up to n of the most recent records, newest first. n <= 0 yields
// everything.
func (s *BadgerSink) Tail(ctx context.Context, n int) iter.Seq2[Record, error] {
	prefix := []byte(badgerKeyPrefix)
	return func(yield func(Record, error) bool) {
		err := s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			iterOpts.Reverse = true
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			count := 0
			for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if n > 0 && count >= n {
					return nil
				}
				val, err := it.Item().ValueCopy(nil)
				if err != nil {
					if !yield(Record{}, err) {
						return nil
					}
					continue
				}
				var rec Record
				if err := msgpack.Unmarshal(val, &rec); err != nil {
					continue
				}
				count++
				if !yield(rec, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Record{}, err)
		}
	}
}

func (s *BadgerSink) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger output to slog, suppressing debug and info.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf("badger: "+f, v...))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf("badger: "+f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
