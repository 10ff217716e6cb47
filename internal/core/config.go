package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EvictionPolicyKind names a buffer-pool eviction strategy, as recognized
// by configuration (§6). The pager package defines its own
// EvictionPolicyName with the same values; this copy exists so config
// loading has no import dependency on internal/pager.
type EvictionPolicyKind string

const (
	EvictionCLOCK EvictionPolicyKind = "CLOCK"
	EvictionLRU   EvictionPolicyKind = "LRU"
	Eviction2Q    EvictionPolicyKind = "2Q"
	EvictionLRUK  EvictionPolicyKind = "LRU-K"
	EvictionARC   EvictionPolicyKind = "ARC"
	EvictionLIRS  EvictionPolicyKind = "LIRS"
)

// DeadlockVictimPolicy names how the Deadlock Detector picks which
// transaction in a cycle to abort.
type DeadlockVictimPolicy string

const (
	VictimYoungest     DeadlockVictimPolicy = "Youngest"
	VictimOldest       DeadlockVictimPolicy = "Oldest"
	VictimLeastWork    DeadlockVictimPolicy = "LeastWork"
	VictimLowestPriority DeadlockVictimPolicy = "LowestPriority"
)

// Config is the typed configuration record for THE CORE, covering every
// option §6 recognizes. Loaded from YAML (gopkg.in/yaml.v3, the same
// library and tag convention the rest of the pack's config-bearing repos
// use) rather than assembled ad hoc from flags.
type Config struct {
	PageSize         uint32 `yaml:"page_size"`
	DataDir          string `yaml:"data_dir"`
	BufferPoolFrames uint32 `yaml:"buffer_pool_frames"`

	EvictionPolicy EvictionPolicyKind `yaml:"eviction_policy"`
	LRUK           int                `yaml:"lru_k"`

	WALDir    string `yaml:"wal_dir"`
	WALFsync  bool   `yaml:"wal_fsync"`

	LockTimeout          time.Duration        `yaml:"lock_timeout"`
	DeadlockScanInterval time.Duration        `yaml:"deadlock_scan_interval"`
	DeadlockVictimPolicy DeadlockVictimPolicy `yaml:"deadlock_victim_policy"`
	MaxLocksPerTxn       uint32               `yaml:"max_locks_per_txn"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	GCInterval         time.Duration `yaml:"gc_interval"`
	MaxValueDepth      uint16        `yaml:"max_value_depth"`
	MaxActiveTxns      uint32        `yaml:"max_active_txns"`

	// Verbose gates the operational log lines the pager and the Deadlock
	// Detector emit (recovery summaries, checkpoint failures, deadlock
	// victims): off by default so a quiet library doesn't talk unless asked
	// to. The GC scheduler's log lines are not gated by it.
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the recommended defaults for a new deployment.
func DefaultConfig() Config {
	return Config{
		PageSize:             8192,
		DataDir:              "./data",
		BufferPoolFrames:     1024,
		EvictionPolicy:       EvictionCLOCK,
		LRUK:                 2,
		WALDir:               "./data/wal",
		WALFsync:             true,
		LockTimeout:          5 * time.Second,
		DeadlockScanInterval: 1 * time.Second,
		DeadlockVictimPolicy: VictimYoungest,
		MaxLocksPerTxn:       10_000,
		CheckpointInterval:   30 * time.Second,
		GCInterval:           1 * time.Minute,
		MaxValueDepth:        MaxValueDepth,
		MaxActiveTxns:        10_000,
	}
}

// LoadConfig reads and parses a YAML configuration file, unmarshalling it
// over DefaultConfig: a key absent from the file keeps its default, while a
// key explicitly set to zero stays zero and is then checked by Validate.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(KindIo, "read config file", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, Wrap(KindInvalidState, "parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the hard bounds §7 requires every collection to carry:
// no unbounded growth path may exist, so config values backing those
// bounds must themselves be sane.
func (c *Config) Validate() error {
	if c.PageSize < 4096 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return New(KindInvalidState, fmt.Sprintf("page_size %d must be a power of two in [4096, 65536]", c.PageSize))
	}
	if c.BufferPoolFrames == 0 {
		return New(KindInvalidState, "buffer_pool_frames must be > 0")
	}
	switch c.EvictionPolicy {
	case EvictionCLOCK, EvictionLRU, Eviction2Q, EvictionLRUK, EvictionARC, EvictionLIRS:
	default:
		return New(KindInvalidState, fmt.Sprintf("unrecognized eviction_policy %q", c.EvictionPolicy))
	}
	switch c.DeadlockVictimPolicy {
	case VictimYoungest, VictimOldest, VictimLeastWork, VictimLowestPriority:
	default:
		return New(KindInvalidState, fmt.Sprintf("unrecognized deadlock_victim_policy %q", c.DeadlockVictimPolicy))
	}
	if c.MaxValueDepth == 0 || c.MaxValueDepth > MaxValueDepth {
		return New(KindInvalidState, fmt.Sprintf("max_value_depth must be in (0, %d]", MaxValueDepth))
	}
	if c.MaxLocksPerTxn == 0 {
		return New(KindInvalidState, "max_locks_per_txn must be > 0")
	}
	if c.MaxActiveTxns == 0 {
		return New(KindInvalidState, "max_active_txns must be > 0")
	}
	return nil
}
