// Package config exposes the blob manager's configuration constants
// (spec.md §6) as bound pflag/viper flags, in the same pattern
// oasis-core's common/cbor and worker/registration packages use for their
// own flag sets.
package config

import (
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag names, matching spec.md §6's constant names lower-cased with dots.
const (
	CfgSnapshotFileTargetBytes = "blobmanager.snapshot_file_target_bytes"
	CfgSplitBytesPerKSec       = "blobmanager.shard_split_bytes_per_ksec"
	CfgMinBytesPerKSec         = "blobmanager.shard_min_bytes_per_ksec"
	CfgMaxFanout               = "blobmanager.max_fanout"
	CfgWorkerTimeout           = "blobmanager.worker_timeout"
	CfgWorkerListFetchInterval = "blobmanager.workerlist_fetch_interval"
	CfgDebounceRecruitingDelay = "blobmanager.debounce_recruiting_delay"
	CfgStorageRecruitmentDelay = "blobmanager.storage_recruitment_delay"
	CfgPruneTimeout            = "blobmanager.prune_timeout"
	CfgObjectStoreURL          = "blobmanager.url"
	CfgChaosRangeMover         = "blobmanager.chaos.range_mover_enabled"
)

// Flags is the flag set consumed by cmd/blobmanager.
var Flags = flag.NewFlagSet("blobmanager", flag.ContinueOnError)

func init() {
	Flags.Int64(CfgSnapshotFileTargetBytes, 10<<20, "target size in bytes of one granule snapshot file")
	Flags.Int64(CfgSplitBytesPerKSec, 2<<20, "write-hot split bandwidth threshold, bytes per 1000s")
	Flags.Int64(CfgMinBytesPerKSec, 100<<10, "floor for write-hot bandwidth-based slicing target")
	Flags.Int(CfgMaxFanout, 10, "maximum number of children a single split may produce")
	Flags.Duration(CfgWorkerTimeout, 30*time.Second, "per-request timeout for blob worker RPCs")
	Flags.Duration(CfgWorkerListFetchInterval, time.Minute, "interval between worker-list re-fetches")
	Flags.Duration(CfgDebounceRecruitingDelay, 2*time.Second, "debounce window before the recruiter wakes")
	Flags.Duration(CfgStorageRecruitmentDelay, 5*time.Second, "backoff after a failed recruitment attempt")
	Flags.Duration(CfgPruneTimeout, 5*time.Minute, "interval between unconditional GC sweeps")
	Flags.String(CfgObjectStoreURL, "", "object storage backend address")
	Flags.Bool(CfgChaosRangeMover, false, "enable the fault-injection chaos range mover")

	_ = viper.BindPFlags(Flags)
}

// Config is a resolved snapshot of the flags above, handed to the
// orchestrator at startup.
type Config struct {
	SnapshotFileTargetBytes int64
	SplitBytesPerKSec       int64
	MinBytesPerKSec         int64
	MaxFanout               int
	WorkerTimeout           time.Duration
	WorkerListFetchInterval time.Duration
	DebounceRecruitingDelay time.Duration
	StorageRecruitmentDelay time.Duration
	PruneTimeout            time.Duration
	ObjectStoreURL          string
	ChaosRangeMoverEnabled  bool
}

// FromViper resolves a Config from the current viper state.
func FromViper() Config {
	return Config{
		SnapshotFileTargetBytes: viper.GetInt64(CfgSnapshotFileTargetBytes),
		SplitBytesPerKSec:       viper.GetInt64(CfgSplitBytesPerKSec),
		MinBytesPerKSec:         viper.GetInt64(CfgMinBytesPerKSec),
		MaxFanout:               viper.GetInt(CfgMaxFanout),
		WorkerTimeout:           viper.GetDuration(CfgWorkerTimeout),
		WorkerListFetchInterval: viper.GetDuration(CfgWorkerListFetchInterval),
		DebounceRecruitingDelay: viper.GetDuration(CfgDebounceRecruitingDelay),
		StorageRecruitmentDelay: viper.GetDuration(CfgStorageRecruitmentDelay),
		PruneTimeout:            viper.GetDuration(CfgPruneTimeout),
		ObjectStoreURL:          viper.GetString(CfgObjectStoreURL),
		ChaosRangeMoverEnabled:  viper.GetBool(CfgChaosRangeMover),
	}
}

// Default returns the documented defaults without touching viper, used by
// tests and by callers that don't run through the CLI.
func Default() Config {
	return Config{
		SnapshotFileTargetBytes: 10 << 20,
		SplitBytesPerKSec:       2 << 20,
		MinBytesPerKSec:         100 << 10,
		MaxFanout:               10,
		WorkerTimeout:           30 * time.Second,
		WorkerListFetchInterval: time.Minute,
		DebounceRecruitingDelay: 2 * time.Second,
		StorageRecruitmentDelay: 5 * time.Second,
		PruneTimeout:            5 * time.Minute,
	}
}
