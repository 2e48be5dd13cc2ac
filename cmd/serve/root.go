package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dObj/cmd/util"
	"github.com/ValentinKolb/dObj/lib/bridge/dsync"
	"github.com/ValentinKolb/dObj/lib/db/engines/maple"
	"github.com/ValentinKolb/dObj/lib/db/util"
	"github.com/ValentinKolb/dObj/lib/schema"
	"github.com/ValentinKolb/dObj/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("cli")

var (
	serveCmdConfig = dsync.DefaultConfig()
	replicaName    string
	ServeCmd       = &cobra.Command{
		Use:   "serve [path]",
		Short: "Run a store as a replica of a dsync shard",
		Long: `Opens the store file at path with the declared schema and replicates it with the
other members of the shard. The configuration can be set via command line flags or
environment variables. The format of the environment variables is DOBJ_<flag>
(e.g. DOBJ_REPLICA_ID=node-1)`,
		Args:    cobra.ExactArgs(1),
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupStoreFlags(ServeCmd)

	// add flags
	key := "schema"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Schema file (HuJSON or YAML) the store is opened with"))

	key = "shard-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("ID of the raft shard that carries the batch log"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value/10, HeartbeatRTT=value/100) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 50, cmdUtil.WrapString("CompactionOverhead defines the number of log entries retained after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory used for the raft log and snapshots"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "join"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Join a running shard as a new member"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout of a single proposal in seconds"))

	key = "retries"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("How many times a proposal is retried while the shard is busy"))

	key = "resync-interval"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Propose a full batch of the store every n seconds (0 to disable)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address to serve the store metrics on in Prometheus format under /metrics (e.g. localhost:9090, empty to disable)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the sync configuration
func processConfig(cmd *cobra.Command, args []string) error {
	// bind the flags to viper and start logging
	if err := cmdUtil.BindCommandFlags(cmd, args); err != nil {
		return err
	}

	if viper.GetString("schema") == "" {
		return fmt.Errorf("a schema file is required")
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.ShardID = viper.GetUint64("shard-id")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.Join = viper.GetBool("join")
	serveCmdConfig.Timeout = time.Duration(viper.GetInt64("timeout")) * time.Second
	serveCmdConfig.Retries = viper.GetInt("retries")

	// parse replica id
	replicaName = viper.GetString("replica-id")
	if replicaName == "" {
		return fmt.Errorf("ReplicaId is required")
	}
	serveCmdConfig.ReplicaID = uint64(util.HashString(replicaName, 0))

	// parse cluster members
	clusterMembers := viper.GetString("cluster-members")
	if clusterMembers == "" {
		return fmt.Errorf("ClusterMembers is required")
	}
	serveCmdConfig.ClusterMembers = make(map[uint64]string)
	for _, member := range strings.Split(clusterMembers, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		idHash := util.HashString(strings.TrimSpace(parts[0]), 0)
		serveCmdConfig.ClusterMembers[uint64(idHash)] = strings.TrimSpace(parts[1])
	}

	return serveCmdConfig.Validate()
}

// run opens the store, starts the replica and blocks until the process is interrupted
func run(_ *cobra.Command, args []string) error {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}
	log.Infof("starting replica %s", replicaName)
	log.Infof(serveCmdConfig.String())

	sch, err := schema.LoadFile(viper.GetString("schema"))
	if err != nil {
		return err
	}
	key, err := cmdUtil.EncryptionKey()
	if err != nil {
		return err
	}

	// Create the Dragonboat NodeHost
	nodeHost, err := dragonboat.NewNodeHost(serveCmdConfig.ToNodeHostConfig())
	if err != nil {
		return fmt.Errorf("failed to create node host: %w", err)
	}
	defer nodeHost.Close()

	// every replica allocates row keys in its own key space
	opts := maple.DefaultOptions()
	opts.ReplicaID = util.ReplicaID(replicaName)

	collab := dsync.New(nodeHost, serveCmdConfig)
	cfg := store.DefaultConfig()
	cfg.Path = args[0]
	cfg.EncryptionKey = key
	cfg.Engine = maple.Factory(opts)
	cfg.Schema = sch
	cfg.Collaborator = collab
	cfg.Metrics = metrics.NewSet()

	s, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf("failed to close store: %v", err)
		}
	}()
	fmt.Printf("replica %s serves %s (version %d)\n", replicaName, args[0], s.CurrentVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		go serveMetrics(ctx, endpoint, s)
	}
	if interval := viper.GetInt64("resync-interval"); interval > 0 {
		go resync(ctx, collab, time.Duration(interval)*time.Second)
	}

	<-ctx.Done()
	log.Infof("shutting down replica %s (applied index %d)", replicaName, collab.Applied())
	return nil
}

// resync periodically proposes a full batch, so replicas that missed entries converge
func resync(ctx context.Context, collab *dsync.Collaborator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collab.Resync(ctx); err != nil && ctx.Err() == nil {
				log.Warningf("resync failed: %v", err)
			}
		}
	}
}

// serveMetrics serves the store metrics until ctx is done
func serveMetrics(ctx context.Context, endpoint string, s *store.Store) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		s.WritePrometheus(w)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strconv.FormatUint(uint64(s.CurrentVersion()), 10)))
	})

	srv := &http.Server{Addr: endpoint, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Infof("serving metrics on %s", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("metrics endpoint failed: %v", err)
	}
}
