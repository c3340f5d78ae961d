// Package cache persists a client's conversation list and failed sends with bbolt.
package cache

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mbeoliero/chatsync/sdk/store"
)

var (
	bucketConversations = []byte("conversations")
	bucketOutbox        = []byte("outbox")
)

// Store is a bbolt backed snapshot store
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the cache file at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketOutbox} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversations replaces the stored snapshot with convs
func (s *Store) SaveConversations(convs []*store.Conversation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketConversations); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketConversations)
		if err != nil {
			return err
		}
		for _, c := range convs {
			if err := put(b, toDBConversation(c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadConversations returns the stored snapshot
func (s *Store) LoadConversations() ([]*store.Conversation, error) {
	var convs []*store.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dc DBConversation
			if err := dc.UnmarshalBinary(v); err != nil {
				return err
			}
			c, err := fromDBConversation(&dc)
			if err != nil {
				return err
			}
			convs = append(convs, c)
			return nil
		})
	})
	return convs, err
}

// PutFailed records a failed send
func (s *Store) PutFailed(f store.FailedSend) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketOutbox), toDBOutbox(f))
	})
}

// DeleteFailed removes a send once it went through
func (s *Store) DeleteFailed(clientMsgId string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete([]byte(clientMsgId))
	})
}

// ListFailed returns all recorded failed sends
func (s *Store) ListFailed() ([]store.FailedSend, error) {
	var out []store.FailedSend
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var o DBOutbox
			if err := o.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, fromDBOutbox(&o))
			return nil
		})
	})
	return out, err
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", v.Key(), err)
	}
	return b.Put(v.Key(), data)
}
