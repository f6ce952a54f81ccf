package syncqueue

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"example.com/activitylog/pkg/activityapi"
)

var itemsBucket = []byte("sync_queue")

// BoltStore keeps the queue in a single bbolt file. Every write is an fsynced transaction.
type BoltStore struct {
	db   *bolt.DB
	opts options
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the queue file at path.
func OpenBolt(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open queue %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create queue bucket")
	}
	return &BoltStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *BoltStore) Enqueue(payload activityapi.CreateEventRequest) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate item id")
	}
	now := s.opts.now()
	item := newPending(id.String(), payload, now)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return putItem(tx, item)
	})
	if err != nil {
		return "", errors.Wrap(err, "enqueue")
	}
	return item.ID, nil
}

func (s *BoltStore) Get(id string) (Item, error) {
	var item Item
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx, id)
		return err
	})
	return item, err
}

func (s *BoltStore) List(statuses ...Status) ([]Item, error) {
	var items []Item
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(_, v []byte) error {
			var item Item
			if err := msgpack.Unmarshal(v, &item); err != nil {
				return errors.Wrap(err, "decode queue item")
			}
			item.normalize()
			if wantStatus(statuses, item.Status) {
				items = append(items, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortFIFO(items)
	return items, nil
}

func (s *BoltStore) MarkSyncing(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return markSyncing(it, now) })
}

func (s *BoltStore) MarkSynced(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return markSynced(it, now) })
}

func (s *BoltStore) MarkFailed(id, reason string) error {
	return s.update(id, func(it *Item, now time.Time) error { return markFailed(it, reason, now) })
}

func (s *BoltStore) Requeue(id, reason string) error {
	return s.update(id, func(it *Item, now time.Time) error { return requeue(it, reason, now) })
}

func (s *BoltStore) Release(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return release(it, now) })
}

func (s *BoltStore) ResetFailed(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return resetFailed(it, now) })
}

func (s *BoltStore) RecoverStale(olderThan time.Time) (int, error) {
	recovered := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale []Item
		err := tx.Bucket(itemsBucket).ForEach(func(_, v []byte) error {
			var item Item
			if err := msgpack.Unmarshal(v, &item); err != nil {
				return errors.Wrap(err, "decode queue item")
			}
			if isStale(&item, olderThan) {
				stale = append(stale, item)
			}
			return nil
		})
		if err != nil {
			return err
		}
		now := s.opts.now()
		for _, item := range stale {
			if err := release(&item, now); err != nil {
				return err
			}
			if err := putItem(tx, item); err != nil {
				return err
			}
		}
		recovered = len(stale)
		return nil
	})
	return recovered, err
}

func (s *BoltStore) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		if b.Get([]byte(id)) == nil {
			return errors.Wrapf(ErrItemNotFound, "remove %s", id)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) update(id string, fn func(*Item, time.Time) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItem(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&item, s.opts.now()); err != nil {
			return err
		}
		return putItem(tx, item)
	})
}

func getItem(tx *bolt.Tx, id string) (Item, error) {
	raw := tx.Bucket(itemsBucket).Get([]byte(id))
	if raw == nil {
		return Item{}, errors.Wrapf(ErrItemNotFound, "get %s", id)
	}
	var item Item
	if err := msgpack.Unmarshal(raw, &item); err != nil {
		return Item{}, errors.Wrapf(err, "decode queue item %s", id)
	}
	item.normalize()
	return item, nil
}

func putItem(tx *bolt.Tx, item Item) error {
	raw, err := msgpack.Marshal(item)
	if err != nil {
		return errors.Wrapf(err, "encode queue item %s", item.ID)
	}
	return tx.Bucket(itemsBucket).Put([]byte(item.ID), raw)
}
