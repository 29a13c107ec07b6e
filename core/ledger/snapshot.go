package ledger

import (
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"stakeledger/native/common"
	"stakeledger/native/rewards"
	"stakeledger/native/router"
	"stakeledger/native/token"
	"stakeledger/native/vesting"
	"stakeledger/storage"
	"stakeledger/storage/trie"
)

// SnapshotVersion identifies the layout written by Snapshot.
const SnapshotVersion uint64 = 1

// TokenSnapshot pairs a token id with its ledger.
type TokenSnapshot struct {
	ID    string
	State *token.State
}

// TrackerSnapshot pairs a tracker id with its ledger.
type TrackerSnapshot struct {
	ID    string
	State *rewards.TrackerState
}

// DistributorSnapshot is keyed by the owning tracker's id.
type DistributorSnapshot struct {
	ID    string
	State *rewards.DistributorState
}

// VesterSnapshot pairs a vester id with its ledger.
type VesterSnapshot struct {
	ID    string
	State *vesting.State
}

// Snapshot is the complete mutable state of a stack. Roles, deposit token
// sets and wiring come from configuration and are rebuilt by Build, so a
// snapshot only restores onto a stack built from the same ledger file.
type Snapshot struct {
	Version          uint64
	Timestamp        uint64
	Tokens           []TokenSnapshot
	Trackers         []TrackerSnapshot
	Distributors     []DistributorSnapshot
	Vesters          []VesterSnapshot
	PendingTransfers []router.PendingTransfer
}

// Snapshot captures every component in configuration order.
func (s *Stack) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Stack) snapshotLocked() *Snapshot {
	snap := s.componentSnapshot()
	if s.Router != nil {
		snap.PendingTransfers = s.Router.PendingTransfers()
	}
	return snap
}

// componentSnapshot captures tokens, trackers, distributors and vesters. It
// takes no stack lock and leaves the router alone, so the router can use it
// as its rollback checkpoint mid-operation.
func (s *Stack) componentSnapshot() *Snapshot {
	snap := &Snapshot{Version: SnapshotVersion, Timestamp: s.Now()}
	for _, id := range s.tokenIDs {
		snap.Tokens = append(snap.Tokens, TokenSnapshot{ID: id, State: s.Tokens[id].Snapshot()})
	}
	for _, id := range s.trackerIDs {
		snap.Trackers = append(snap.Trackers, TrackerSnapshot{ID: id, State: s.Trackers[id].Snapshot()})
		var state *rewards.DistributorState
		if d, ok := s.RewardDistributors[id]; ok {
			state = d.Snapshot()
		} else if d, ok := s.BonusDistributors[id]; ok {
			state = d.Snapshot()
		}
		if state != nil {
			snap.Distributors = append(snap.Distributors, DistributorSnapshot{ID: id, State: state})
		}
	}
	for _, id := range s.vesterIDs {
		snap.Vesters = append(snap.Vesters, VesterSnapshot{ID: id, State: s.Vesters[id].Snapshot()})
	}
	return snap
}

// Restore loads snap into the stack. Every id in the snapshot must exist in
// the stack and every component of the stack must be covered.
func (s *Stack) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: ledger: nil snapshot", common.ErrInputInvalid)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: ledger: unsupported snapshot version %d", common.ErrInputInvalid, snap.Version)
	}
	if len(snap.Tokens) != len(s.tokenIDs) || len(snap.Trackers) != len(s.trackerIDs) ||
		len(snap.Distributors) != len(s.trackerIDs) || len(snap.Vesters) != len(s.vesterIDs) {
		return fmt.Errorf("%w: ledger: snapshot does not match the configured topology", common.ErrInputInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.restoreComponents(snap); err != nil {
		return err
	}
	if s.Router != nil {
		if err := s.Router.RestorePendingTransfers(snap.PendingTransfers); err != nil {
			return err
		}
	} else if len(snap.PendingTransfers) > 0 {
		return fmt.Errorf("%w: ledger: pending transfers without a router", common.ErrInputInvalid)
	}
	return nil
}

func (s *Stack) restoreComponents(snap *Snapshot) error {
	for _, entry := range snap.Tokens {
		tok, ok := s.Tokens[entry.ID]
		if !ok {
			return fmt.Errorf("%w: ledger: unknown token %q in snapshot", common.ErrInputInvalid, entry.ID)
		}
		if err := tok.Restore(entry.State); err != nil {
			return fmt.Errorf("token %q: %w", entry.ID, err)
		}
	}
	for _, entry := range snap.Trackers {
		tracker, ok := s.Trackers[entry.ID]
		if !ok {
			return fmt.Errorf("%w: ledger: unknown tracker %q in snapshot", common.ErrInputInvalid, entry.ID)
		}
		if err := tracker.Restore(entry.State); err != nil {
			return fmt.Errorf("tracker %q: %w", entry.ID, err)
		}
	}
	for _, entry := range snap.Distributors {
		var err error
		if d, ok := s.RewardDistributors[entry.ID]; ok {
			err = d.Restore(entry.State)
		} else if d, ok := s.BonusDistributors[entry.ID]; ok {
			err = d.Restore(entry.State)
		} else {
			err = fmt.Errorf("%w: ledger: unknown distributor %q in snapshot", common.ErrInputInvalid, entry.ID)
		}
		if err != nil {
			return fmt.Errorf("distributor %q: %w", entry.ID, err)
		}
	}
	for _, entry := range snap.Vesters {
		v, ok := s.Vesters[entry.ID]
		if !ok {
			return fmt.Errorf("%w: ledger: unknown vester %q in snapshot", common.ErrInputInvalid, entry.ID)
		}
		if err := v.Restore(entry.State); err != nil {
			return fmt.Errorf("vester %q: %w", entry.ID, err)
		}
	}
	return nil
}

// routerJournal checkpoints the stack's components for the router.
type routerJournal struct {
	stack *Stack
}

func (j routerJournal) Checkpoint() (func() error, error) {
	snap := j.stack.componentSnapshot()
	return func() error { return j.stack.restoreComponents(snap) }, nil
}

// Save persists the current snapshot and returns its sequence number.
func (s *Stack) Save(store *storage.SnapshotStore) (uint64, error) {
	return store.Save(s.Snapshot())
}

// Load restores the newest snapshot in store. It reports false, leaving the
// stack at genesis, when the store is empty.
func (s *Stack) Load(store *storage.SnapshotStore) (bool, error) {
	snap := new(Snapshot)
	ok, err := store.LoadLatest(snap)
	if err != nil || !ok {
		return false, err
	}
	if err := s.Restore(snap); err != nil {
		return false, err
	}
	return true, nil
}

// StateRoot commits every component's encoded state into a Merkle Patricia
// trie keyed by "<kind>/<id>". The snapshot timestamp is excluded so equal
// ledgers produce equal roots.
func (s *Stack) StateRoot() (ethcommon.Hash, error) {
	snap := s.Snapshot()
	commitment := trie.NewCommitment()
	put := func(key string, value interface{}) error {
		encoded, err := rlp.EncodeToBytes(value)
		if err != nil {
			return fmt.Errorf("ledger: encode %s: %w", key, err)
		}
		commitment.Update([]byte(key), encoded)
		return nil
	}
	for _, entry := range snap.Tokens {
		if err := put("token/"+entry.ID, entry.State); err != nil {
			return ethcommon.Hash{}, err
		}
	}
	for _, entry := range snap.Trackers {
		if err := put("tracker/"+entry.ID, entry.State); err != nil {
			return ethcommon.Hash{}, err
		}
	}
	for _, entry := range snap.Distributors {
		if err := put("distributor/"+entry.ID, entry.State); err != nil {
			return ethcommon.Hash{}, err
		}
	}
	for _, entry := range snap.Vesters {
		if err := put("vester/"+entry.ID, entry.State); err != nil {
			return ethcommon.Hash{}, err
		}
	}
	if len(snap.PendingTransfers) > 0 {
		if err := put("router/pending", snap.PendingTransfers); err != nil {
			return ethcommon.Hash{}, err
		}
	}
	return commitment.Root()
}
