package hub

import (
	"context"
	"encoding/binary"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

var (
	boltUpdatesBucket   = []byte("updates")
	boltSnapshotsBucket = []byte("snapshots")
)

// embedded single file document store. a nested bucket per document holds
// the sequence keyed update log; snapshots live in a flat bucket keyed by
// document name
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltUpdatesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(boltSnapshotsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{
		db: db,
	}, nil
}

func boltSeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (self *BoltStore) Load(ctx context.Context, documentName string) (*LoadResult, error) {
	var result *LoadResult
	err := self.db.View(func(tx *bolt.Tx) error {
		snapshot := tx.Bucket(boltSnapshotsBucket).Get([]byte(documentName))
		documentBucket := tx.Bucket(boltUpdatesBucket).Bucket([]byte(documentName))
		if snapshot == nil && documentBucket == nil {
			return nil
		}
		result = &LoadResult{}
		if snapshot != nil {
			result.Snapshot = append([]byte{}, snapshot...)
		}
		if documentBucket != nil {
			cursor := documentBucket.Cursor()
			for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
				result.Updates = append(result.Updates, append([]byte{}, value...))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (self *BoltStore) Store(ctx context.Context, documentName string, update []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		documentBucket, err := tx.Bucket(boltUpdatesBucket).CreateBucketIfNotExists([]byte(documentName))
		if err != nil {
			return err
		}
		seq, err := documentBucket.NextSequence()
		if err != nil {
			return err
		}
		return documentBucket.Put(boltSeqKey(seq), update)
	})
}

// StoreCompactor
func (self *BoltStore) Compact(ctx context.Context, documentName string, updates [][]byte) error {
	err := self.db.Update(func(tx *bolt.Tx) error {
		updatesBucket := tx.Bucket(boltUpdatesBucket)
		if updatesBucket.Bucket([]byte(documentName)) != nil {
			if err := updatesBucket.DeleteBucket([]byte(documentName)); err != nil {
				return err
			}
		}
		snapshotsBucket := tx.Bucket(boltSnapshotsBucket)
		if err := snapshotsBucket.Delete([]byte(documentName)); err != nil {
			return err
		}
		if len(updates) == 1 {
			return snapshotsBucket.Put([]byte(documentName), updates[0])
		}
		documentBucket, err := updatesBucket.CreateBucketIfNotExists([]byte(documentName))
		if err != nil {
			return err
		}
		for _, update := range updates {
			seq, err := documentBucket.NextSequence()
			if err != nil {
				return err
			}
			if err := documentBucket.Put(boltSeqKey(seq), update); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	glog.V(1).Infof("[store]compact %s n=%d\n", documentName, len(updates))
	return nil
}

func (self *BoltStore) Close() error {
	return self.db.Close()
}
