package dsync

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the Config to the raft config of the sync shard
func (c *Config) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *Config) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Sync configuration struct
// --------------------------------------------------------------------------

// Config holds all parameters of one replica of the sync shard.
type Config struct {
	// ShardID is the raft shard that carries the batch log
	ShardID uint64
	// ReplicaID identifies this replica, it must be a key of ClusterMembers
	ReplicaID uint64
	// ClusterMembers maps the initial replica ids to their raft addresses
	ClusterMembers map[uint64]string
	// Join starts the replica as a new member of a running shard
	Join bool

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string

	// Timeout bounds a single proposal
	Timeout time.Duration
	// Retries is the number of attempts while the shard is busy
	Retries int
}

// DefaultConfig returns the default sync configuration. Replica and members
// must still be set.
func DefaultConfig() Config {
	return Config{
		ShardID:            1,
		RTTMillisecond:     100,
		SnapshotEntries:    100,
		CompactionOverhead: 50,
		DataDir:            "data",
		Timeout:            5 * time.Second,
		Retries:            5,
	}
}

// Validate checks that the replica is part of the cluster.
func (c *Config) Validate() error {
	if c.ReplicaID == 0 {
		return fmt.Errorf("dsync: replica id must not be 0")
	}
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok && !c.Join {
		return fmt.Errorf("dsync: no address found for replica id %d in cluster members", c.ReplicaID)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("dsync: timeout must be positive")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
	addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
	addField("Shard ID", strconv.FormatUint(c.ShardID, 10))
	addField("Join", strconv.FormatBool(c.Join))

	addSection("RAFT Parameters")
	addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
	addField("Timeout", c.Timeout.String())
	addField("Retries", strconv.Itoa(c.Retries))

	addSection("Storage")
	addField("Data Directory", c.DataDir)

	addSection("Cluster")
	keys := make([]uint64, 0, len(c.ClusterMembers))
	for k := range c.ClusterMembers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", k, c.ClusterMembers[k]))
	}
	return sb.String()
}
