package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"land-election/internal/election"
)

var (
	metadataBucket = []byte("metadata")

	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
)

// openTimeout bounds the wait for the file lock held by another process using the same data dir.
const openTimeout = time.Second

var errCorruptTerm = errors.New("stored term is not 8 bytes")

// BboltDb keeps the term and vote of an election node in a bbolt file. It implements election.StableStore.
type BboltDb struct {
	conn *bbolt.DB
}

// NewBboltStorage opens (or creates) the database at path.
func NewBboltStorage(path string) (*BboltDb, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BboltDb{conn: db}, nil
}

// CurrentTerm returns the persisted term, 0 when none was written yet.
func (b *BboltDb) CurrentTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(currentTermKey)
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return errCorruptTerm
		}
		term = bytesToUint64(data)
		return nil
	})
	return term, err
}

// VotedFor returns the persisted vote, empty when none was cast.
func (b *BboltDb) VotedFor() (election.ServerID, error) {
	var votedFor election.ServerID
	err := b.conn.View(func(tx *bbolt.Tx) error {
		// Get returns memory owned by the transaction; string() copies it.
		votedFor = election.ServerID(tx.Bucket(metadataBucket).Get(votedForKey))
		return nil
	})
	return votedFor, err
}

// SetTermAndVote writes both values in one transaction, so a crash never leaves a vote paired with the wrong term.
func (b *BboltDb) SetTermAndVote(term uint64, votedFor election.ServerID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

// Close closes the storage connection
func (b *BboltDb) Close() error {
	return b.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
