package payouts

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReceipts = []byte("receipts")
	bucketSequence = []byte("sequence")

	// ErrReceiptNotFound is returned when no receipt has the requested id.
	ErrReceiptNotFound = errors.New("payouts: receipt not found")
	// ErrDuplicateReceipt is returned when a transfer id is journaled twice.
	ErrDuplicateReceipt = errors.New("payouts: receipt already journaled")
)

// Journal persists transfer receipts in a BoltDB file. Receipts are indexed
// by id and by insertion sequence so listings come back newest first.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (and migrates) the journal at path.
func OpenJournal(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("payouts: open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReceipts, bucketSequence} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append stores a new receipt and assigns its sequence number.
func (j *Journal) Append(r *Receipt) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("payouts: receipt id required")
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(bucketReceipts)
		if receipts.Get([]byte(r.ID)) != nil {
			return ErrDuplicateReceipt
		}
		seqBucket := tx.Bucket(bucketSequence)
		seq, err := seqBucket.NextSequence()
		if err != nil {
			return err
		}
		r.Sequence = seq
		encoded, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := receipts.Put([]byte(r.ID), encoded); err != nil {
			return err
		}
		return seqBucket.Put(seqKey(seq), []byte(r.ID))
	})
}

// Update applies fn to the stored receipt inside one write transaction.
func (j *Journal) Update(id string, fn func(*Receipt) error) (Receipt, error) {
	var result Receipt
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrReceiptNotFound
		}
		var rec Receipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), encoded); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return result, nil
}

// Get fetches a receipt by id.
func (j *Journal) Get(id string) (Receipt, bool, error) {
	var rec Receipt
	found := false
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketReceipts).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Receipt{}, false, err
	}
	return rec, found, nil
}

// List returns up to limit receipts, newest first. A non-positive limit
// returns everything.
func (j *Journal) List(limit int) ([]Receipt, error) {
	out := []Receipt{}
	err := j.db.View(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(bucketReceipts)
		c := tx.Bucket(bucketSequence).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			raw := receipts.Get(id)
			if raw == nil {
				continue
			}
			var rec Receipt
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Pending returns every pending receipt, oldest first.
func (j *Journal) Pending() ([]Receipt, error) {
	var out []Receipt
	err := j.db.View(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(bucketReceipts)
		c := tx.Bucket(bucketSequence).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			raw := receipts.Get(id)
			if raw == nil {
				continue
			}
			var rec Receipt
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.Status == StatusPending {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}
