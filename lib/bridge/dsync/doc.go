/*
Package dsync replicates stores through a raft shard (dragonboat).

The raft log of the shard is a log of batches (see bridge.Batch). Every
replica runs a store with a Collaborator attached:

 1. After a local commit the store calls RequestUpload. The collaborator
    collects the local changes since its last upload and proposes them with
    SyncPropose, retrying while the shard reports ErrSystemBusy.
 2. Once committed, every replica's StateMachine receives the entry. Entries
    proposed by the replica itself are skipped, all others are integrated
    into the local store and announced with OnRemoteVersionAdvanced.
 3. Versions produced by integration are remembered and never proposed
    again, so changes do not echo through the shard.

Concurrent writes to the same row on different replicas are resolved last
writer wins, in log order. Rows of all replicas share one key space, so each
replica must open its maple engine with a distinct maple.Options.ReplicaID.

# Replay

The last integrated raft index is stored in the ProgressTable of the local
store, written in the same commit as the integrated rows. When dragonboat
replays the log after a restart, entries up to that index are skipped. The
batch origin is derived from shard and replica id (see OriginFor), so a
restarted replica still recognizes its own entries.

# Snapshots

A snapshot holds the raft index it was taken at followed by a full batch of
all replicated tables. Recovering a snapshot that is not newer than the store
is a no-op.

# Usage

	cfg := dsync.DefaultConfig()
	cfg.ReplicaID = 1
	cfg.ClusterMembers = map[uint64]string{1: "localhost:63001", 2: "localhost:63002"}

	nh, err := dragonboat.NewNodeHost(cfg.ToNodeHostConfig())
	collab := dsync.New(nh, cfg)
	s, err := store.Open(store.Config{Path: "replica1.maple", Schema: sch, Collaborator: collab})
*/
package dsync
