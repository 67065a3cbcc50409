// Command archived is the Sovereign Firehose Archive's core daemon: it
// runs the ingestion supervisor, dedup stage, verifier pool, the 16
// archive shards, the tombstone lattice, the egress relay, and the
// admin console together in one process.
//
// Grounded on the teacher's cmd/kv/main.go (config.Load then
// engine.New then serve), generalized from a single-engine KV store to
// the multi-subsystem pipeline SPEC_FULL.md describes, with cobra
// (github.com/spf13/cobra) replacing the teacher's bare os.Args
// handling since this binary exposes real flags.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sovereignhose/internal/archive"
	"sovereignhose/internal/config"
	"sovereignhose/internal/console"
	"sovereignhose/internal/dedup"
	"sovereignhose/internal/egress"
	"sovereignhose/internal/exitcode"
	"sovereignhose/internal/identitymap"
	"sovereignhose/internal/ingest"
	"sovereignhose/internal/logging"
	"sovereignhose/internal/metrics"
	"sovereignhose/internal/model"
	"sovereignhose/internal/tombstone"
	"sovereignhose/internal/verifier"
)

func main() {
	var configPath string
	var sourcesPath string
	var interactive bool

	root := &cobra.Command{
		Use:   "archived",
		Short: "Run the Sovereign Firehose Archive ingestion, verification, and archival daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, sourcesPath, interactive)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.json", "path to daemon config")
	root.Flags().StringVar(&sourcesPath, "sources", "", "path to a JSON array of ingest.Source entries (omit to run archive-only)")
	root.Flags().BoolVar(&interactive, "console", false, "run the admin console on stdin/stdout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "archived:", err)
		os.Exit(exitcode.Fatal)
	}
}

// daemon bundles every live subsystem and implements console.Backend
// so the admin REPL can inspect and mutate running state.
type daemon struct {
	cfg     config.Config
	idmap   *identitymap.Map
	lattice *tombstone.Lattice
	shards  []*archive.Shard
	hub     *egress.Hub
	metrics *metrics.Registry
}

func runDaemon(configPath, sourcesPath string, interactive bool) error {
	bootLog := logging.New("info", "text")
	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		bootLog.WithError(err).Error("config load failed")
		os.Exit(exitcode.ConfigError)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	m := metrics.New()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.WithError(err).Error("failed to create data directory")
		os.Exit(exitcode.StorageIntegrity)
	}

	idmapPath := filepath.Join(cfg.DataDir, "identity.map")
	idmap, err := openOrCreateIdentityMap(idmapPath, cfg.IdentityMapCapacity)
	if err != nil {
		log.WithError(err).Error("identity map open failed")
		os.Exit(exitcode.StorageIntegrity)
	}
	defer idmap.Close()

	lattice, err := tombstone.Open(filepath.Join(cfg.DataDir, cfg.TombstonePath))
	if err != nil {
		log.WithError(err).Error("tombstone lattice open failed")
		os.Exit(exitcode.StorageIntegrity)
	}
	defer lattice.Close()

	shardCfg := archive.Config{
		ClusterTargetBytes:  cfg.ClusterTargetBytes,
		ClusterDistinctDIDs: cfg.ClusterDistinctDIDs,
		ZstdLevel:           cfg.ZstdCompressionLevel,
		ZstdDictionarySize:  cfg.ZstdDictionarySize,
		SegmentLeafLimit:    cfg.SegmentLeafLimit,
		ClusterCacheEntries: cfg.ClusterCacheEntries,
		PathHashCapacity:    1 << 20,
	}
	shards := make([]*archive.Shard, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		s, err := archive.OpenShard(cfg.DataDir, i, shardCfg, m)
		if err != nil {
			log.WithError(err).WithField("shard", i).Error("shard open failed")
			os.Exit(exitcode.StorageIntegrity)
		}
		shards[i] = s
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flushInterval := time.Duration(cfg.ClusterFlushMillis) * time.Millisecond
	flushStop := make(chan struct{})
	for _, s := range shards {
		go s.RunFlushLoop(flushInterval, flushStop)
	}
	defer close(flushStop)

	dd := dedup.NewDedup(cfg.DedupBloomSeedA, cfg.DedupBloomSeedB)
	dedupStop := make(chan struct{})
	go dd.RunBloomResetLoop(dedupStop)
	defer close(dedupStop)

	verPool := verifier.New(cfg.VerifierWorkers, idmap, m)
	go verPool.Run(ctx)

	historicalShards := make([]egress.HistoricalShard, len(shards))
	for i, s := range shards {
		historicalShards[i] = s
	}
	hub := egress.New(lattice, historicalShards, m, log)

	go routeVerifiedEvents(ctx, verPool, shards, hub, cfg.ShardCount, m, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(m.Reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	egressMux := http.NewServeMux()
	egressMux.Handle("/subscribe", hub)
	egressSrv := &http.Server{Addr: cfg.EgressListenAddr, Handler: egressMux}
	go func() {
		if err := egressSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("egress server stopped")
		}
	}()

	if sourcesPath != "" {
		sources, hosts, err := loadSources(sourcesPath)
		if err != nil {
			log.WithError(err).Error("failed to load ingest sources")
			os.Exit(exitcode.ConfigError)
		}
		supCfg := ingest.Config{
			MaxConnections:     cfg.MaxIngestConnections,
			HeartbeatTimeout:   time.Duration(cfg.HeartbeatTimeoutSecs) * time.Second,
			BackoffBase:        time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
			BackoffCap:         time.Duration(cfg.BackoffCapSecs) * time.Second,
			PerHostConcurrency: int64(cfg.PerHostConcurrency),
		}
		sup := ingest.New(supCfg, hosts, dd, verPool, m, log)
		go sup.Run(ctx, sources)
	} else {
		log.Info("no --sources given, running archive-only (no ingestion)")
	}

	d := &daemon{cfg: cfg, idmap: idmap, lattice: lattice, shards: shards, hub: hub, metrics: m}

	if interactive {
		console.Run(os.Stdin, os.Stdout, d)
	} else {
		<-ctx.Done()
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)
	egressSrv.Shutdown(shutdownCtx)

	for _, s := range shards {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("shard close error")
		}
	}
	return nil
}

// routeVerifiedEvents reads verified events off the verifier pool,
// routes each to its owning shard by DID hash, and fans it out to
// egress subscribers.
func routeVerifiedEvents(ctx context.Context, pool *verifier.Pool, shards []*archive.Shard, hub *egress.Hub, shardCount int, m *metrics.Registry, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pool.Out():
			if !ok {
				return
			}
			shard := shards[shardIndex(ev.DID, shardCount)]
			if err := shard.Append(ev); err != nil {
				m.IncError(model.ErrKindDiskIO)
				log.WithError(err).Warn("archive append failed")
				continue
			}
			hub.Publish(ev)
		}
	}
}

func shardIndex(did string, shardCount int) int {
	h := uint32(2166136261)
	for i := 0; i < len(did); i++ {
		h ^= uint32(did[i])
		h *= 16777619
	}
	return int(h) % shardCount
}

func openOrCreateIdentityMap(path string, capacity uint64) (*identitymap.Map, error) {
	if _, err := os.Stat(path); err == nil {
		return identitymap.Open(path, capacity)
	}
	return identitymap.Create(path, capacity)
}

func loadSources(path string) ([]ingest.Source, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var sources []ingest.Source
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{})
	var hosts []string
	for _, s := range sources {
		if _, ok := seen[s.Host]; !ok {
			seen[s.Host] = struct{}{}
			hosts = append(hosts, s.Host)
		}
	}
	return sources, hosts, nil
}

// console.Backend implementation.

func (d *daemon) Stats() string {
	return fmt.Sprintf("identity_map_count=%d identity_map_capacity=%d subscribers=%d shards=%d",
		d.idmap.Count(), d.idmap.Capacity(), d.hub.SubscriberCount(), len(d.shards))
}

func (d *daemon) LookupDID(did string) (string, bool) {
	ref, err := d.idmap.Lookup(did)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("key_type=%d key_len=%d", ref.KeyType, len(ref.Key)), true
}

func (d *daemon) Tombstone(seq uint32) bool {
	d.lattice.Set(seq)
	d.metrics.IncTombstonesSet()
	return true
}

func (d *daemon) TombstoneStatus(seq uint32) bool {
	return d.lattice.Get(seq)
}

func (d *daemon) SealedSegments(shard int) (int, error) {
	if shard < 0 || shard >= len(d.shards) {
		return 0, fmt.Errorf("shard %d out of range", shard)
	}
	return d.shards[shard].SealedSegments(), nil
}

// DeletePath tombstones a record path's entry across every shard (the
// console only knows the path, not which shard's DID-hash routing owns
// it) and sets the evicted message's Lattice bit, keeping the path-hash
// and sequence views of a deletion consistent (§4.6).
func (d *daemon) DeletePath(path string) bool {
	ph := archive.PathHash(path)
	for _, s := range d.shards {
		if seq, ok := s.TombstonePath(ph); ok {
			d.lattice.Set(uint32(seq))
			d.metrics.IncTombstonesSet()
			return true
		}
	}
	return false
}
