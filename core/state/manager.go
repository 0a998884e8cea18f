package state

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/rlp"

	"cardledger/storage"
)

// ErrTxClosed is returned when a journal is used after Commit or Discard.
var ErrTxClosed = errors.New("state: transaction already closed")

// Manager reads and writes RLP-encoded records on top of a key/value
// database. Mutations go through a Tx so that a group of writes either lands
// as one batch or not at all.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	if m == nil || m.db == nil {
		return false, fmt.Errorf("kv: database not configured")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVGetList decodes an RLP list stored under key into the slice pointed to by
// out. When no value is present the destination is initialised with an empty
// slice to avoid nil surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	ok, err := m.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		return emptySlice(out)
	}
	return nil
}

// Begin opens a write journal against the manager.
func (m *Manager) Begin() *Tx {
	return &Tx{
		manager: m,
		pending: make(map[string][]byte),
	}
}

// Tx stages writes in memory. Reads observe staged values first so an
// operation sees its own writes before they are committed.
type Tx struct {
	manager *Manager
	pending map[string][]byte
	order   []string
	closed  bool
}

// KVPut stages the RLP encoding of value under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	k := string(key)
	if _, seen := tx.pending[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.pending[k] = encoded
	return nil
}

// KVGet reads through the journal to the underlying manager.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, ErrTxClosed
	}
	if data, ok := tx.pending[string(key)]; ok {
		return decodeInto(data, out)
	}
	return tx.manager.KVGet(key, out)
}

// KVGetList is the journal-aware variant of Manager.KVGetList.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	ok, err := tx.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		return emptySlice(out)
	}
	return nil
}

// Commit writes every staged record in a single atomic batch. The journal is
// closed afterwards whether or not the write succeeded.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	if len(tx.order) == 0 {
		return nil
	}
	var batch storage.Batch
	for _, k := range tx.order {
		batch.Put([]byte(k), tx.pending[k])
	}
	if err := tx.manager.db.Write(&batch); err != nil {
		return fmt.Errorf("state: commit %d keys: %w", len(tx.order), err)
	}
	return nil
}

// Discard drops all staged writes.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.pending = nil
	tx.order = nil
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func emptySlice(out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	return nil
}
