// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var segmentsBucket = []byte("segments")

// BoltStore persists segments in a bbolt file, one key per segment.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open segment store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(segmentsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "create buckets"), db.Close())
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Commit(seg *Segment) error {
	data, err := msgpack.Marshal(seg)
	if err != nil {
		return errors.Wrapf(err, "encode segment %s", seg.ID)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(segmentsBucket)
		if bucket.Get(seg.ID[:]) != nil {
			return errors.Wrapf(ErrSegmentExists, "%s", seg.ID)
		}
		return bucket.Put(seg.ID[:], data)
	})
}

func (b *BoltStore) Segment(id uuid.UUID) (*Segment, error) {
	var seg *Segment
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(segmentsBucket).Get(id[:])
		if data == nil {
			return errors.Wrapf(ErrSegmentNotFound, "%s", id)
		}
		// data is only valid inside the transaction; Unmarshal copies.
		seg = new(Segment)
		return msgpack.Unmarshal(data, seg)
	})
	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (b *BoltStore) SegmentIDs() ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(segmentsBucket).ForEach(func(k, _ []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
