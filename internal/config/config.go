// Package config loads and normalizes process configuration, following
// the teacher's Default()/Normalize()/Load() shape: a JSON file layered
// on top of hardcoded defaults, with every field clamped to a sane
// value rather than rejected outright.
package config

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Config holds every tunable knob across the identity map, archive
// shards, dedup stage, verifier pool, ingestion supervisor, and egress
// relay.
type Config struct {
	DataDir string `json:"data_dir"`

	// Identity Map (§4.1)
	IdentityMapCapacity uint64 `json:"identity_map_capacity"`

	// Dedup (§4.3)
	DedupBloomSeedA       uint64 `json:"dedup_bloom_seed_a"`
	DedupBloomSeedB       uint64 `json:"dedup_bloom_seed_b"`
	DedupBloomResetSecs   int    `json:"dedup_bloom_reset_secs"`

	// Verifier pool (§4.4)
	VerifierWorkers int `json:"verifier_workers"`

	// Archive / Clustered Virtual Log (§4.5)
	ShardCount             int    `json:"shard_count"`
	ClusterTargetBytes     int    `json:"cluster_target_bytes"`
	ClusterFlushMillis     int    `json:"cluster_flush_millis"`
	SegmentLeafLimit       int    `json:"segment_leaf_limit"`
	ClusterDistinctDIDs    int    `json:"cluster_distinct_dids"`
	ClusterCacheEntries    int    `json:"cluster_cache_entries"`
	ZstdCompressionLevel   int    `json:"zstd_compression_level"`
	ZstdDictionarySize     int    `json:"zstd_dictionary_size"`

	// Tombstone Lattice (§4.7)
	TombstonePath string `json:"tombstone_path"`

	// Ingestion Supervisor (§4.9)
	MaxIngestConnections int `json:"max_ingest_connections"`
	HeartbeatTimeoutSecs int `json:"heartbeat_timeout_secs"`
	BackoffBaseMillis    int `json:"backoff_base_millis"`
	BackoffCapSecs       int `json:"backoff_cap_secs"`
	PerHostConcurrency   int `json:"per_host_concurrency"`

	// Egress Relay (§4.8)
	EgressListenAddr   string `json:"egress_listen_addr"`
	EgressWriteBufSize int    `json:"egress_write_buf_size"`

	// Observability
	MetricsListenAddr string `json:"metrics_listen_addr"`
	LogLevel          string `json:"log_level"`
	LogFormat         string `json:"log_format"` // "text" or "json"
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DataDir: "data",

		IdentityMapCapacity: 1 << 24,

		DedupBloomSeedA:     0x9E3779B97F4A7C15,
		DedupBloomSeedB:     0xC2B2AE3D27D4EB4F,
		DedupBloomResetSecs: 10,

		VerifierWorkers: runtime.NumCPU(),

		ShardCount:           16,
		ClusterTargetBytes:   64 * 1024,
		ClusterFlushMillis:   250,
		SegmentLeafLimit:     1 << 16,
		ClusterDistinctDIDs:  1,
		ClusterCacheEntries:  4096,
		ZstdCompressionLevel: 3,
		ZstdDictionarySize:   64 * 1024,

		TombstonePath: "tombstones.bin",

		MaxIngestConnections: 10_000,
		HeartbeatTimeoutSecs: 30,
		BackoffBaseMillis:    250,
		BackoffCapSecs:       30,
		PerHostConcurrency:   4,

		EgressListenAddr:   ":8080",
		EgressWriteBufSize: 1 << 16,

		MetricsListenAddr: ":9090",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Normalize clamps every field to a usable value, falling back to
// Default()'s value rather than erroring, matching the teacher's
// tolerant config-loading style.
func (c *Config) Normalize() {
	d := Default()

	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.IdentityMapCapacity == 0 {
		c.IdentityMapCapacity = d.IdentityMapCapacity
	}
	if c.DedupBloomSeedA == 0 {
		c.DedupBloomSeedA = d.DedupBloomSeedA
	}
	if c.DedupBloomSeedB == 0 {
		c.DedupBloomSeedB = d.DedupBloomSeedB
	}
	if c.DedupBloomResetSecs <= 0 {
		c.DedupBloomResetSecs = d.DedupBloomResetSecs
	}
	if c.VerifierWorkers <= 0 {
		c.VerifierWorkers = d.VerifierWorkers
	}
	if c.ShardCount <= 0 {
		c.ShardCount = d.ShardCount
	}
	if c.ClusterTargetBytes <= 0 {
		c.ClusterTargetBytes = d.ClusterTargetBytes
	}
	if c.ClusterFlushMillis <= 0 {
		c.ClusterFlushMillis = d.ClusterFlushMillis
	}
	if c.SegmentLeafLimit <= 0 {
		c.SegmentLeafLimit = d.SegmentLeafLimit
	}
	if c.ClusterDistinctDIDs <= 0 {
		c.ClusterDistinctDIDs = d.ClusterDistinctDIDs
	}
	if c.ClusterCacheEntries <= 0 {
		c.ClusterCacheEntries = d.ClusterCacheEntries
	}
	if c.ZstdCompressionLevel <= 0 {
		c.ZstdCompressionLevel = d.ZstdCompressionLevel
	}
	if c.ZstdDictionarySize <= 0 {
		c.ZstdDictionarySize = d.ZstdDictionarySize
	}
	if c.TombstonePath == "" {
		c.TombstonePath = d.TombstonePath
	}
	if c.MaxIngestConnections <= 0 {
		c.MaxIngestConnections = d.MaxIngestConnections
	}
	if c.HeartbeatTimeoutSecs <= 0 {
		c.HeartbeatTimeoutSecs = d.HeartbeatTimeoutSecs
	}
	if c.BackoffBaseMillis <= 0 {
		c.BackoffBaseMillis = d.BackoffBaseMillis
	}
	if c.BackoffCapSecs <= 0 {
		c.BackoffCapSecs = d.BackoffCapSecs
	}
	if c.PerHostConcurrency <= 0 {
		c.PerHostConcurrency = d.PerHostConcurrency
	}
	if c.EgressListenAddr == "" {
		c.EgressListenAddr = d.EgressListenAddr
	}
	if c.EgressWriteBufSize <= 0 {
		c.EgressWriteBufSize = d.EgressWriteBufSize
	}
	if c.MetricsListenAddr == "" {
		c.MetricsListenAddr = d.MetricsListenAddr
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		c.LogLevel = d.LogLevel
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		c.LogFormat = d.LogFormat
	}
}

// Load reads path as JSON over Default(), tolerating a missing file (in
// which case the default config is returned unchanged) the same way
// the teacher's Load does.
func Load(path string, log *logrus.Logger) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil
	}

	if err := json.Unmarshal(b, &cfg); err != nil {
		log.WithError(err).Warn("invalid config file, falling back to defaults")
		cfg = Default()
		cfg.Normalize()
		return cfg, nil
	}

	cfg.Normalize()
	return cfg, nil
}
