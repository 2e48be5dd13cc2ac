package dsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dObj/lib/bridge"
	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// ErrNotStarted is returned while the collaborator is not attached to a store.
var ErrNotStarted = errors.New("dsync: collaborator is not started")

// Collaborator replicates a store through a raft shard. Local batches are
// proposed to the shard; the StateMachine of every replica integrates the
// batches of the others.
//
// Thread-safety: all methods are safe for concurrent use.
type Collaborator struct {
	nh     *dragonboat.NodeHost
	cfg    Config
	origin uuid.UUID

	mu       sync.Mutex // orders collection and integration, shared with the state machine
	uploadMu sync.Mutex // serializes proposals
	produced *bridge.VersionSet

	local bridge.Bridge // guarded by mu
	cs    *client.Session
	fsm   *StateMachine
	sent  db.Version // guarded by uploadMu
}

var _ bridge.Collaborator = (*Collaborator)(nil)

// New creates a collaborator on top of a running NodeHost. The replica of
// the shard is started when the store attaches the collaborator.
func New(nh *dragonboat.NodeHost, cfg Config) *Collaborator {
	return &Collaborator{
		nh:       nh,
		cfg:      cfg,
		origin:   OriginFor(cfg.ShardID, cfg.ReplicaID),
		produced: bridge.NewVersionSet(),
	}
}

// Start starts the replica of the sync shard on top of the store. Uploads
// begin at the current version: the state present at start is only proposed
// by Resync, since replaying it could overwrite newer rows of other replicas.
func (c *Collaborator) Start(_ context.Context, b bridge.Bridge) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.local != nil {
		c.mu.Unlock()
		return errors.New("dsync: collaborator already started")
	}
	c.local = b
	c.mu.Unlock()

	fsm, err := newStateMachine(b, c.cfg.ShardID, c.cfg.ReplicaID, &c.mu, c.produced)
	if err != nil {
		c.detach()
		return err
	}

	members := c.cfg.ClusterMembers
	if c.cfg.Join {
		members = map[uint64]string{}
	}
	create := func(shardID, replicaID uint64) sm.IConcurrentStateMachine { return fsm }
	if err := c.nh.StartConcurrentReplica(members, c.cfg.Join, create, c.cfg.ToDragonboatConfig()); err != nil {
		c.detach()
		return fmt.Errorf("dsync: failed to start replica: %w", err)
	}

	c.uploadMu.Lock()
	c.sent = b.CurrentVersion()
	c.fsm = fsm
	c.cs = c.nh.GetNoOPSession(c.cfg.ShardID)
	c.uploadMu.Unlock()

	log.Infof("replica %d of shard %d started (origin %s)", c.cfg.ReplicaID, c.cfg.ShardID, c.origin)
	return nil
}

func (c *Collaborator) detach() {
	c.mu.Lock()
	c.local = nil
	c.mu.Unlock()
}

// RequestUpload proposes the local changes since the last upload. Requests
// may arrive out of order, so since only serves as a hint.
func (c *Collaborator) RequestUpload(ctx context.Context, _ db.Version) error {
	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()
	return c.upload(ctx, false)
}

// Resync proposes a full batch of the replicated tables, so lagging replicas
// converge without waiting for further local changes.
func (c *Collaborator) Resync(ctx context.Context) error {
	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()
	return c.upload(ctx, true)
}

func (c *Collaborator) upload(ctx context.Context, full bool) error {
	if c.cs == nil {
		return ErrNotStarted
	}

	batch, err := c.collect(full)
	if err != nil {
		return err
	}
	if batch.Empty() {
		c.advance(batch.To)
		return nil
	}
	batch.Origin = c.origin

	data, err := batch.Serialize()
	if err != nil {
		return err
	}
	if err := c.propose(ctx, data); err != nil {
		return err
	}
	c.advance(batch.To)
	log.Debugf("proposed %s", batch)
	return nil
}

// collect holds mu, so versions integrated concurrently are either in the
// produced set or not yet committed.
func (c *Collaborator) collect(full bool) (*bridge.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil, ErrNotStarted
	}
	if full {
		return bridge.CollectFull(c.local)
	}
	return bridge.Collect(c.local, c.sent, c.produced)
}

func (c *Collaborator) advance(to db.Version) {
	if to > c.sent {
		c.sent = to
	}
	c.produced.Forget(c.sent)
}

// propose sends the batch via SyncPropose, retrying while the shard is busy.
func (c *Collaborator) propose(ctx context.Context, data []byte) error {
	retries := max(c.cfg.Retries, 1)
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		res, err := c.nh.SyncPropose(pctx, c.cs, data)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.Timeout / 10):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("dsync: propose: %w", err)
		}
		return errResult(res)
	}
	return fmt.Errorf("dsync: propose: %w", dragonboat.ErrSystemBusy)
}

// Version returns the version of the local store, read through the shard.
// With stale set the read is served locally without a quorum round.
func (c *Collaborator) Version(ctx context.Context, stale bool) (db.Version, error) {
	var (
		res any
		err error
	)
	if stale {
		res, err = c.nh.StaleRead(c.cfg.ShardID, Query{Type: QueryTVersion})
	} else {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		res, err = c.nh.SyncRead(rctx, c.cfg.ShardID, Query{Type: QueryTVersion})
		cancel()
	}
	if err != nil {
		return 0, fmt.Errorf("dsync: read: %w", err)
	}
	v, ok := res.(db.Version)
	if !ok {
		return 0, fmt.Errorf("dsync: unexpected lookup result %T", res)
	}
	return v, nil
}

// Applied returns the last raft index integrated by the local replica.
func (c *Collaborator) Applied() uint64 {
	c.uploadMu.Lock()
	fsm := c.fsm
	c.uploadMu.Unlock()
	if fsm == nil {
		return 0
	}
	return fsm.Applied()
}

// Close stops the replica. The NodeHost stays owned by the caller.
func (c *Collaborator) Close() error {
	c.uploadMu.Lock()
	started := c.cs != nil
	c.cs = nil
	c.uploadMu.Unlock()

	c.detach()
	if !started {
		return nil
	}
	if err := c.nh.StopShard(c.cfg.ShardID); err != nil {
		return fmt.Errorf("dsync: failed to stop shard: %w", err)
	}
	return nil
}
