// Package leveldb implements the keyvalue.Store interface on top of LevelDB
package leveldb

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPair      = "KV/" // User pairs. Followed by the raw key
	keyRetentionExpiry = "RET" // Store-wide retention deadline as a 16-digit hexadecimal unix nano timestamp
)

var ErrCorrupted = fmt.Errorf("corrupted")

type LevelDB struct {
	path  string
	mu    sync.Mutex
	db    *leveldb.DB
	clock clock.Clock
}

func keyFromUser(key []byte) []byte {
	return append([]byte(keyPrefixPair), key...)
}

func userFromKey(key []byte) ([]byte, error) {
	if len(key) < len(keyPrefixPair) || string(key[:len(keyPrefixPair)]) != keyPrefixPair {
		return nil, fmt.Errorf("userFromKey: invalid key prefix: %q", string(key))
	}
	// The iterator reuses its key buffer
	return append([]byte(nil), key[len(keyPrefixPair):]...), nil
}

func encodeDeadline(t time.Time) []byte {
	return []byte(fmt.Sprintf("%016x", uint64(t.UnixNano())))
}

func decodeDeadline(raw []byte) (time.Time, error) {
	if len(raw) != 16 {
		return time.Time{}, fmt.Errorf("decodeDeadline: invalid length: %d", len(raw))
	}
	var ns uint64
	if _, err := fmt.Sscanf(string(raw), "%016x", &ns); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(ns)), nil
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, attempting recovery", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
