package storage

import (
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/kverr"
)

// badgerEngine stores frames in a badger database under
// <data_dir>/badger. Badger brings its own WAL and compaction; HyperKV's
// append log still runs on top so recovery semantics stay uniform across
// backends.
type badgerEngine struct {
	db  *badger.DB
	log *zap.Logger
}

// NewBadgerEngine opens (or creates) the badger database under dir.
func NewBadgerEngine(dir string, log *zap.Logger) (Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(filepath.Join(dir, "badger")).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, kverr.Wrap(kverr.StorageIO, err, "open badger")
	}
	return &badgerEngine{db: db, log: log}, nil
}

func (e *badgerEngine) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kverr.Wrap(kverr.StorageIO, err, "badger get")
	}
	return out, true, nil
}

func (e *badgerEngine) Set(key string, frame []byte) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), frame)
	})
	return kverr.Wrap(kverr.StorageIO, err, "badger set")
}

func (e *badgerEngine) Delete(key string) (bool, error) {
	existed := false
	err := e.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			existed = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, kverr.Wrap(kverr.StorageIO, err, "badger delete")
	}
	return existed, nil
}

func (e *badgerEngine) Keys() ([]string, error) {
	var out []string
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, kverr.Wrap(kverr.StorageIO, err, "badger keys")
	}
	return out, nil
}

func (e *badgerEngine) Close() error {
	return kverr.Wrap(kverr.StorageIO, e.db.Close(), "close badger")
}
