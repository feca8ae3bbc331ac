package leveldb

import (
	"context"
	"fmt"
	"time"

	"peerlink/datamodel/keyvalue"

	"github.com/benbjohnson/clock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

var _ keyvalue.Store = (*Store)(nil)

type Store struct {
	LevelDB
}

func NewStore(path string, clk clock.Clock) (*Store, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	if clk == nil {
		clk = clock.New()
	}

	return &Store{
		LevelDB: LevelDB{
			path:  path,
			db:    ldb,
			clock: clk,
		},
	}, nil
}

// expire drops every pair once the retention deadline has passed. Lock is assumed to be held.
func (l *Store) expire() error {
	raw, err := l.db.Get([]byte(keyRetentionExpiry), nil)
	if err == errors.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	deadline, err := decodeDeadline(raw)
	if err != nil {
		log.Errorf("leveldb.Store: %v", err)
		return ErrCorrupted
	}
	if l.clock.Now().Before(deadline) {
		return nil
	}

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPair)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(keyRetentionExpiry))

	log.Debugf("leveldb.Store: retention expired at %v, dropping %d keys", deadline, batch.Len()-1)
	return l.db.Write(batch, nil)
}

func (l *Store) Put(_ context.Context, key keyvalue.Key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expire(); err != nil {
		return err
	}
	return l.db.Put(keyFromUser(key), value, nil)
}

func (l *Store) Get(_ context.Context, key keyvalue.Key) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expire(); err != nil {
		return nil, err
	}

	raw, err := l.db.Get(keyFromUser(key), nil)
	if err == errors.ErrNotFound {
		return nil, keyvalue.ErrNotFound
	}
	return raw, err
}

func (l *Store) Delete(_ context.Context, key keyvalue.Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expire(); err != nil {
		return false, err
	}

	// Check if the key exists
	k := keyFromUser(key)
	has, err := l.db.Has(k, nil)
	if err != nil {
		return false, err
	}
	if !has {
		return false, nil
	}

	if err := l.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Store) Enumerate(_ context.Context) ([]keyvalue.Pair, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expire(); err != nil {
		return nil, err
	}

	var results []keyvalue.Pair

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPair)), nil)
	defer iter.Release()

	for iter.Next() {
		key, err := userFromKey(iter.Key())
		if err != nil {
			log.Errorf("leveldb.Store.Enumerate: %v", err)
			continue
		}
		results = append(results, keyvalue.Pair{
			Key:   key,
			Value: append([]byte(nil), iter.Value()...),
		})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return results, nil
}

func (l *Store) Retain(_ context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.expire(); err != nil {
		return err
	}
	return l.db.Put([]byte(keyRetentionExpiry), encodeDeadline(l.clock.Now().Add(ttl)), nil)
}

func (l *Store) Ping(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		return fmt.Errorf("leveldb at %s: %w", l.path, err)
	}
	return nil
}
