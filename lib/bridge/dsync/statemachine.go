package dsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ValentinKolb/dObj/lib/bridge"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

var log = logger.GetLogger("dsync")

// Result codes of applied log entries (sm.Result.Value).
const (
	ResultApplied uint64 = iota // The batch was integrated into the local store.
	ResultSkipped               // The batch came from this replica or was applied before.
	ResultInvalid               // The entry is not a batch.
	ResultFailed                // Integration failed, see Data.
)

// ProgressTable records the last raft index integrated into the local store,
// one row per shard (row key = shard id). It is written in the same engine
// commit as the integrated rows and never replicated.
const ProgressTable = "__dsync"

// QueryType defines the lookups the state machine answers.
type QueryType uint8

const (
	QueryTVersion QueryType = iota // Current version of the local store (db.Version).
	QueryTInfo                     // Engine info of the local store (db.DatabaseInfo).
	QueryTApplied                  // Last raft index seen by the state machine (uint64).
)

func (q QueryType) String() string {
	switch q {
	case QueryTVersion:
		return "Version"
	case QueryTInfo:
		return "Info"
	case QueryTApplied:
		return "Applied"
	default:
		return "Unknown"
	}
}

// Query is a read-only lookup sent via SyncRead or StaleRead.
type Query struct {
	Type QueryType
}

// OriginFor returns the stable batch origin of a replica. Batches carry it
// instead of the store instance id, so a restarted replica still recognizes
// its own entries in the log.
func OriginFor(shardID, replicaID uint64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("dobj/dsync/%d/%d", shardID, replicaID)))
}

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine applies the replicated batch log to the local store. Every
// entry is a serialized bridge.Batch. Batches of other replicas are
// integrated (last writer wins), batches proposed by this replica are
// skipped since their changes are already local.
//
// Thread-safety: Update, PrepareSnapshot and RecoverFromSnapshot are called
// sequentially by dragonboat; Lookup and SaveSnapshot may run concurrently.
type StateMachine struct {
	shardID   uint64
	replicaID uint64
	origin    uuid.UUID
	bridge    bridge.Bridge

	mu       *sync.Mutex // shared with the collaborator, orders integration and collection
	produced *bridge.VersionSet

	applied   uint64 // last raft index seen, guarded by appliedMu
	appliedMu sync.RWMutex
	persisted uint64 // last raft index integrated into the store
}

var _ sm.IConcurrentStateMachine = (*StateMachine)(nil)

// NewStateMachine creates the state machine of one replica on top of a store.
func NewStateMachine(b bridge.Bridge, shardID, replicaID uint64) (*StateMachine, error) {
	return newStateMachine(b, shardID, replicaID, &sync.Mutex{}, bridge.NewVersionSet())
}

func newStateMachine(b bridge.Bridge, shardID, replicaID uint64, mu *sync.Mutex, produced *bridge.VersionSet) (*StateMachine, error) {
	fsm := &StateMachine{
		shardID:   shardID,
		replicaID: replicaID,
		origin:    OriginFor(shardID, replicaID),
		bridge:    b,
		mu:        mu,
		produced:  produced,
	}
	persisted, err := readProgress(b.Engine(), shardID)
	if err != nil {
		return nil, err
	}
	fsm.persisted = persisted
	fsm.applied = persisted
	return fsm, nil
}

// readProgress returns the last raft index integrated into the store.
func readProgress(engine db.Store, shardID uint64) (uint64, error) {
	snap, err := engine.BeginRead()
	if err != nil {
		return 0, fmt.Errorf("dsync: read progress: %w", err)
	}
	defer snap.Close()
	if !snap.HasTable(ProgressTable) {
		return 0, nil
	}
	tbl, err := snap.ReadTable(ProgressTable)
	if err != nil {
		return 0, fmt.Errorf("dsync: read progress: %w", err)
	}
	row, ok := tbl.Get(db.RowKey(shardID))
	if !ok {
		return 0, nil
	}
	idx, _ := row["applied"].(int64)
	return uint64(idx), nil
}

// writeProgress returns an integration hook that records index.
func (fsm *StateMachine) writeProgress(index uint64) func(w db.Snapshot) error {
	return func(w db.Snapshot) error {
		if !w.HasTable(ProgressTable) {
			if err := w.CreateTable(ProgressTable); err != nil {
				return err
			}
		}
		tbl, err := w.WriteTable(ProgressTable)
		if err != nil {
			return err
		}
		return tbl.Put(db.RowKey(fsm.shardID), db.Row{
			"applied": int64(index),
			"replica": int64(fsm.replicaID),
		})
	}
}

// Origin returns the batch origin of this replica.
func (fsm *StateMachine) Origin() uuid.UUID { return fsm.origin }

// Applied returns the last raft index seen by the state machine.
func (fsm *StateMachine) Applied() uint64 {
	fsm.appliedMu.RLock()
	defer fsm.appliedMu.RUnlock()
	return fsm.applied
}

func (fsm *StateMachine) setApplied(index uint64) {
	fsm.appliedMu.Lock()
	if index > fsm.applied {
		fsm.applied = index
	}
	fsm.appliedMu.Unlock()
}

// integrate applies a batch and records index, holding the collaborator lock
// so the produced version is known before the next collection.
func (fsm *StateMachine) integrate(batch *bridge.Batch, index uint64) (db.Version, error) {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	v, err := bridge.IntegrateWith(context.Background(), fsm.bridge, batch, fsm.writeProgress(index))
	if err != nil {
		return 0, err
	}
	fsm.produced.Add(v)
	fsm.persisted = index
	return v, nil
}

// Lookup answers a Query.
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(Query)
	if !ok {
		return nil, fmt.Errorf("dsync: invalid query type: %T", itf)
	}
	switch q.Type {
	case QueryTVersion:
		return fsm.bridge.CurrentVersion(), nil
	case QueryTInfo:
		return fsm.bridge.Engine().GetInfo(), nil
	case QueryTApplied:
		return fsm.Applied(), nil
	default:
		return nil, fmt.Errorf("dsync: unknown query %s", q.Type)
	}
}

// Update integrates the batches of the given log entries.
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()
	for idx, e := range entries {
		entries[idx].Result = fsm.apply(e)
		fsm.setApplied(e.Index)
	}

	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		log.Infof("state machine took long to update. Batch of %d entries took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

func (fsm *StateMachine) apply(e sm.Entry) sm.Result {
	if len(e.Cmd) == 0 {
		return sm.Result{Value: ResultInvalid, Data: []byte("empty entry ignored")}
	}
	if e.Index <= fsm.persisted {
		return sm.Result{Value: ResultSkipped, Data: []byte("entry was integrated before")}
	}

	var batch bridge.Batch
	if err := batch.Deserialize(e.Cmd); err != nil {
		return sm.Result{Value: ResultInvalid, Data: []byte(fmt.Sprintf("failed to deserialize batch: %v", err))}
	}
	if batch.Origin == fsm.origin {
		return sm.Result{Value: ResultSkipped, Data: []byte("own batch")}
	}

	v, err := fsm.integrate(&batch, e.Index)
	if err != nil {
		log.Errorf("failed to integrate entry %d (%s): %v", e.Index, &batch, err)
		return sm.Result{Value: ResultFailed, Data: []byte(err.Error())}
	}
	return sm.Result{Value: ResultApplied, Data: []byte(fmt.Sprintf("integrated as version %d", v))}
}

// PrepareSnapshot captures the raft index the snapshot belongs to.
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.Applied(), nil
}

// SaveSnapshot writes the raft index followed by a full batch of the store.
// Rows are read at the current version, which may be newer than the index.
func (fsm *StateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	index, _ := ctx.(uint64)
	batch, err := bridge.CollectFull(fsm.bridge)
	if err != nil {
		return err
	}
	batch.Origin = fsm.origin
	data, err := batch.Serialize()
	if err != nil {
		return err
	}

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], index)
	if _, err := writer.Write(header[:]); err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}

// RecoverFromSnapshot integrates a snapshot written by SaveSnapshot unless
// the store already holds a newer state.
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("dsync: read snapshot header: %w", err)
	}
	index := binary.BigEndian.Uint64(header[:])
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("dsync: read snapshot: %w", err)
	}

	defer fsm.setApplied(index)
	if index <= fsm.persisted {
		log.Infof("snapshot at index %d is not newer than the store (index %d), skipped", index, fsm.persisted)
		return nil
	}

	var batch bridge.Batch
	if err := batch.Deserialize(data); err != nil {
		return fmt.Errorf("dsync: %w", err)
	}
	if _, err := fsm.integrate(&batch, index); err != nil {
		return fmt.Errorf("dsync: recover from snapshot: %w", err)
	}
	log.Infof("recovered %s from snapshot at index %d", &batch, index)
	return nil
}

// Close performs no cleanup, the store is owned by its opener.
func (fsm *StateMachine) Close() error {
	return nil
}

// errResult converts a failed proposal result into an error.
func errResult(res sm.Result) error {
	switch res.Value {
	case ResultApplied, ResultSkipped:
		return nil
	case ResultInvalid:
		return fmt.Errorf("dsync: invalid entry: %s", res.Data)
	default:
		return errors.New("dsync: " + string(res.Data))
	}
}
