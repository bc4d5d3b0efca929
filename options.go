package zero

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds every sm_* tuning knob named in spec §6/§9, flattened
// into one struct the way the teacher's own config surfaces a handful of
// tuning knobs as plain fields rather than a nested options tree.
type Options struct {
	Dir      string `yaml:"dir"`
	PageSize int    `yaml:"sm_page_size"`

	LogPartitionSize   int64         `yaml:"sm_log_partition_size"`
	LogSegmentSize     int64         `yaml:"sm_log_segment_size"`
	LogCarraySlots     int           `yaml:"sm_carray_slots"`
	LogGroupCommitSize int           `yaml:"sm_group_commit_size"`
	LogGroupCommitMS   int           `yaml:"sm_group_commit_timeout_ms"`
	LogDirectIO        bool          `yaml:"sm_log_direct_io"`

	BufferPoolFrames int    `yaml:"sm_bufpoolsize"`
	EvictionPolicy   string `yaml:"sm_eviction_policy"`

	CleanerPolicy          string `yaml:"sm_cleaner_policy"`
	CleanerIntervalMS      int    `yaml:"sm_cleaner_interval"`
	CleanerMinWriteSize    int    `yaml:"sm_cleaner_min_write_size"`
	CleanerMinWriteFilter  bool   `yaml:"sm_cleaner_min_write_size_filter"`
	CleanerClusterSize     int    `yaml:"sm_cleaner_cluster_size"`
	EvictionerIntervalMS   int    `yaml:"sm_evictioner_interval_millisec"`

	ArchiverDir        string `yaml:"sm_archiver_dir"`
	ArchiverFlushSize  int    `yaml:"sm_archiver_flush_size"`
	ArchiverFanIn      int    `yaml:"sm_archiver_fanin"`
	ArchiverMergeMS    int    `yaml:"sm_archiver_merge_interval_ms"`
	ArchiverCacheRuns  int    `yaml:"sm_archiver_cache_runs"`

	RecoveryPrioritizeArchive bool `yaml:"sm_recovery_prioritize_archive"`

	LockBuckets    int `yaml:"sm_lock_buckets"`
	LockRetryLimit int `yaml:"sm_lock_retry_limit"`

	RestoreSegmentPages int   `yaml:"sm_restore_segment_pages"`
	RestoreMaxWorkers   int64 `yaml:"sm_restore_max_workers"`
}

// DefaultOptions returns the engine's out-of-the-box tuning, matching the
// defaults each subsystem's own *Config.setDefaults() would otherwise
// apply silently — collected here so LoadOptionsYAML/ParseOptions have a
// single base to overlay onto.
func DefaultOptions() Options {
	return Options{
		PageSize: 8192,

		LogPartitionSize:   1 << 30,
		LogSegmentSize:     1 << 20,
		LogCarraySlots:     64,
		LogGroupCommitSize: 64 << 10,
		LogGroupCommitMS:   5,

		BufferPoolFrames: 1024,
		EvictionPolicy:   "clock",

		CleanerPolicy:         "oldest_lsn",
		CleanerIntervalMS:     200,
		CleanerMinWriteSize:   16,
		CleanerMinWriteFilter: true,
		CleanerClusterSize:    64,
		EvictionerIntervalMS:  50,

		ArchiverFlushSize: 4096,
		ArchiverFanIn:     4,
		ArchiverMergeMS:   1000,
		ArchiverCacheRuns: 32,

		LockBuckets:    1024,
		LockRetryLimit: 8,

		RestoreSegmentPages: 256,
		RestoreMaxWorkers:   4,
	}
}

// LoadOptionsYAML reads an sm_*-keyed options file, the way a real
// deployment would hand the engine its tuning — via
// gopkg.in/yaml.v3, already a teacher dependency (used for its own config
// files).
func LoadOptionsYAML(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse options yaml: %w", err)
	}
	return opts, nil
}

// ParseOptions overlays a flat sm_*-keyed map (spec §6's "Options (sm_*
// keys)") onto DefaultOptions, for callers that assemble tuning from
// individual key=value pairs (a CLI flag set, an environment scan)
// instead of a YAML document.
func ParseOptions(kv map[string]string) (Options, error) {
	opts := DefaultOptions()
	for k, v := range kv {
		if err := opts.setKey(k, v); err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

func (o *Options) setKey(key, val string) error {
	switch key {
	case "dir":
		o.Dir = val
	case "sm_page_size":
		return setInt(&o.PageSize, val)
	case "sm_log_partition_size":
		return setInt64(&o.LogPartitionSize, val)
	case "sm_log_segment_size":
		return setInt64(&o.LogSegmentSize, val)
	case "sm_carray_slots":
		return setInt(&o.LogCarraySlots, val)
	case "sm_group_commit_size":
		return setInt(&o.LogGroupCommitSize, val)
	case "sm_group_commit_timeout_ms":
		return setInt(&o.LogGroupCommitMS, val)
	case "sm_log_direct_io":
		return setBool(&o.LogDirectIO, val)
	case "sm_bufpoolsize":
		return setInt(&o.BufferPoolFrames, val)
	case "sm_eviction_policy":
		o.EvictionPolicy = val
	case "sm_cleaner_policy":
		o.CleanerPolicy = val
	case "sm_cleaner_interval":
		return setInt(&o.CleanerIntervalMS, val)
	case "sm_cleaner_min_write_size":
		return setInt(&o.CleanerMinWriteSize, val)
	case "sm_cleaner_min_write_size_filter":
		return setBool(&o.CleanerMinWriteFilter, val)
	case "sm_cleaner_cluster_size":
		return setInt(&o.CleanerClusterSize, val)
	case "sm_evictioner_interval_millisec":
		return setInt(&o.EvictionerIntervalMS, val)
	case "sm_archiver_dir":
		o.ArchiverDir = val
	case "sm_archiver_flush_size":
		return setInt(&o.ArchiverFlushSize, val)
	case "sm_archiver_fanin":
		return setInt(&o.ArchiverFanIn, val)
	case "sm_archiver_merge_interval_ms":
		return setInt(&o.ArchiverMergeMS, val)
	case "sm_archiver_cache_runs":
		return setInt(&o.ArchiverCacheRuns, val)
	case "sm_recovery_prioritize_archive":
		return setBool(&o.RecoveryPrioritizeArchive, val)
	case "sm_lock_buckets":
		return setInt(&o.LockBuckets, val)
	case "sm_lock_retry_limit":
		return setInt(&o.LockRetryLimit, val)
	case "sm_restore_segment_pages":
		return setInt(&o.RestoreSegmentPages, val)
	case "sm_restore_max_workers":
		return setInt64(&o.RestoreMaxWorkers, val)
	default:
		return fmt.Errorf("unknown option key %q", key)
	}
	return nil
}

func setInt(dst *int, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid integer option value %q: %w", val, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, val string) error {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer option value %q: %w", val, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid boolean option value %q: %w", val, err)
	}
	*dst = b
	return nil
}

func (o Options) groupCommitTimeout() time.Duration {
	return time.Duration(o.LogGroupCommitMS) * time.Millisecond
}
