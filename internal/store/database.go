package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/gastos-import/internal/extraction"
)

const (
	handoffBucketName = "handoff"
	sessionBucketName = "session"
	importsBucketName = "imports"
)

var (
	handoffKey = []byte("pending")
	tokenKey   = []byte("auth_token")
)

// BoltDB persists the hand-off slot, the session token and the import history
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database at path
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{handoffBucketName, sessionBucketName, importsBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Push stores r in the hand-off slot, replacing any unread result
func (b *BoltDB) Push(r extraction.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(handoffBucketName)).Put(handoffKey, data)
	})
}

// TakeAndClear returns the pending result and removes it in the same transaction
func (b *BoltDB) TakeAndClear() (*extraction.Result, error) {
	var result *extraction.Result
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(handoffBucketName))
		data := bucket.Get(handoffKey)
		if data == nil {
			return nil
		}
		// data is only valid inside the transaction, decode before deleting
		var r extraction.Result
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("unmarshaling result: %w", err)
		}
		result = &r
		return bucket.Delete(handoffKey)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Token returns the saved session token, or "" when logged out
func (b *BoltDB) Token() (string, error) {
	var token string
	err := b.db.View(func(tx *bbolt.Tx) error {
		token = string(tx.Bucket([]byte(sessionBucketName)).Get(tokenKey))
		return nil
	})
	return token, err
}

// SetToken saves the session token
func (b *BoltDB) SetToken(token string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Put(tokenKey, []byte(token))
	})
}

// ClearToken removes the session token
func (b *BoltDB) ClearToken() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Delete(tokenKey)
	})
}

// SaveImport saves an import history record
func (b *BoltDB) SaveImport(record *ImportRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(importsBucketName))
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling import record: %w", err)
		}
		return bucket.Put([]byte(record.ID), data)
	})
}

// ListImports returns import records, most recent first. limit <= 0 returns all.
func (b *BoltDB) ListImports(limit int) ([]*ImportRecord, error) {
	records := make([]*ImportRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(importsBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var record ImportRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling import record: %w", err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
