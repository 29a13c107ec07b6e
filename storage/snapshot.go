package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
)

const (
	snapshotLatestKeyFormat = "%s/snapshot/latest"
	snapshotEntryKeyFormat  = "%s/snapshot/%020d"
)

// SnapshotStore persists RLP encoded snapshots under a namespace. Every
// Save writes a new sequence-numbered entry and advances the latest
// pointer, so older snapshots stay readable until pruned.
type SnapshotStore struct {
	db        Database
	namespace string
}

// NewSnapshotStore binds a store to db. An empty namespace defaults to
// "ledger".
func NewSnapshotStore(db Database, namespace string) *SnapshotStore {
	namespace = strings.Trim(strings.TrimSpace(namespace), "/")
	if namespace == "" {
		namespace = "ledger"
	}
	return &SnapshotStore{db: db, namespace: namespace}
}

// Save encodes value and records it as the latest snapshot, returning its
// sequence number.
func (s *SnapshotStore) Save(value interface{}) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage: snapshot store not configured")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return 0, fmt.Errorf("storage: encode snapshot: %w", err)
	}
	seq, _, err := s.Latest()
	if err != nil {
		return 0, err
	}
	seq++
	var pointer [8]byte
	binary.BigEndian.PutUint64(pointer[:], seq)
	err = s.db.Write([]Op{
		{Key: s.entryKey(seq), Value: encoded},
		{Key: s.latestKey(), Value: pointer[:]},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: write snapshot %d: %w", seq, err)
	}
	return seq, nil
}

// Latest reports the newest sequence number and whether any snapshot
// exists.
func (s *SnapshotStore) Latest() (uint64, bool, error) {
	raw, err := s.db.Get(s.latestKey())
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("storage: corrupt snapshot pointer")
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// LoadLatest decodes the newest snapshot into out. It returns false when
// nothing has been saved yet.
func (s *SnapshotStore) LoadLatest(out interface{}) (bool, error) {
	seq, ok, err := s.Latest()
	if err != nil || !ok {
		return false, err
	}
	return true, s.Load(seq, out)
}

// Load decodes snapshot seq into out.
func (s *SnapshotStore) Load(seq uint64, out interface{}) error {
	raw, err := s.db.Get(s.entryKey(seq))
	if err != nil {
		return err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return fmt.Errorf("storage: decode snapshot %d: %w", seq, err)
	}
	return nil
}

// Prune retains the newest keep snapshots and deletes the rest. The latest
// snapshot is always retained.
func (s *SnapshotStore) Prune(keep uint64) error {
	if keep == 0 {
		keep = 1
	}
	latest, ok, err := s.Latest()
	if err != nil || !ok || latest <= keep {
		return err
	}
	var ops []Op
	for seq := latest - keep; seq > 0; seq-- {
		key := s.entryKey(seq)
		exists, err := s.db.Has(key)
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		ops = append(ops, Op{Key: key, Delete: true})
	}
	if len(ops) == 0 {
		return nil
	}
	return s.db.Write(ops)
}

func (s *SnapshotStore) latestKey() []byte {
	return []byte(fmt.Sprintf(snapshotLatestKeyFormat, s.namespace))
}

func (s *SnapshotStore) entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(snapshotEntryKeyFormat, s.namespace, seq))
}
