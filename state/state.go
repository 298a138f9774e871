package state

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/Meander-Cloud/go-policyd/message"
)

const (
	openTimeout = time.Second * 3
)

var (
	syncBucket = []byte("sync")

	lastKey    = []byte("last")
	successKey = []byte("last_success")
	countKey   = []byte("count")
)

// SyncRecord is the outcome of one refresh cycle.
type SyncRecord struct {
	At         time.Time                  `msgpack:"at"`
	Result     message.ConfigUpdateResult `msgpack:"result"`
	ConfigHash string                     `msgpack:"config_hash"`
	ListsHash  string                     `msgpack:"lists_hash"`
}

// Succeeded reports whether the cycle reached the remote and left local
// assets current.
func (r *SyncRecord) Succeeded() bool {
	return r.Result == message.ConfigUpdateResultUpdated || r.Result == message.ConfigUpdateResultUpToDate
}

type Options struct {
	Path      string
	LogPrefix string
	LogDebug  bool
}

// Store persists sync history across restarts in a single bbolt file.
type Store struct {
	options *Options
	db      *bolt.DB
}

func Open(options *Options) (*Store, error) {
	if options.Path == "" {
		err := fmt.Errorf("%s: invalid Path=%s", options.LogPrefix, options.Path)
		log.Printf("%s", err.Error())
		return nil, err
	}

	db, err := bolt.Open(options.Path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		err = fmt.Errorf("%s: failed to open %s, err=%w", options.LogPrefix, options.Path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(syncBucket)
		return err
	})
	if err != nil {
		db.Close()
		err = fmt.Errorf("%s: failed to create bucket, err=%w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	log.Printf("%s: opened %s", options.LogPrefix, options.Path)
	return &Store{options: options, db: db}, nil
}

func (s *Store) Close() {
	err := s.db.Close()
	if err != nil {
		log.Printf("%s: failed to close, err=%s", s.options.LogPrefix, err.Error())
	}
}

// RecordSync stores r as the latest cycle, and as the latest success when it
// succeeded.
func (s *Store) RecordSync(r SyncRecord) error {
	data, err := msgpack.Marshal(&r)
	if err != nil {
		err = fmt.Errorf("%s: failed to encode sync record, err=%w", s.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncBucket)

		err := b.Put(lastKey, data)
		if err != nil {
			return err
		}
		if r.Succeeded() {
			err = b.Put(successKey, data)
			if err != nil {
				return err
			}
		}

		count, err := decodeCount(b.Get(countKey))
		if err != nil {
			return err
		}
		next, err := msgpack.Marshal(count + 1)
		if err != nil {
			return err
		}
		return b.Put(countKey, next)
	})
	if err != nil {
		err = fmt.Errorf("%s: failed to record sync, err=%w", s.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return err
	}

	if s.options.LogDebug {
		log.Printf("%s: recorded sync at %s, result=%s", s.options.LogPrefix, r.At.Format(time.RFC3339), r.Result)
	}
	return nil
}

func (s *Store) LastSync() (SyncRecord, bool, error) {
	return s.get(lastKey)
}

func (s *Store) LastSuccess() (SyncRecord, bool, error) {
	return s.get(successKey)
}

// SyncCount is the number of cycles ever recorded.
func (s *Store) SyncCount() (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		count, err = decodeCount(tx.Bucket(syncBucket).Get(countKey))
		return err
	})
	return count, err
}

func (s *Store) get(key []byte) (SyncRecord, bool, error) {
	var r SyncRecord
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(syncBucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(data, &r)
	})
	if err != nil {
		err = fmt.Errorf("%s: failed to read %s, err=%w", s.options.LogPrefix, key, err)
		log.Printf("%s", err.Error())
		return SyncRecord{}, false, err
	}

	return r, found, nil
}

func decodeCount(data []byte) (uint64, error) {
	if data == nil {
		return 0, nil
	}
	var count uint64
	err := msgpack.Unmarshal(data, &count)
	if err != nil {
		return 0, errors.Join(errors.New("corrupt sync count"), err)
	}
	return count, nil
}
