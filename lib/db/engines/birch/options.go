package birch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Constants for database behavior and structure
const (
	defaultBTreeDegree   = 32                     // Degree of the version tree of each index
	defaultGCInterval    = 100 * time.Millisecond // Default interval between GC runs
	defaultMaxTextKeyLen = 128                    // Maximum length of a text key in bytes
)

// Options configures a birch database during initialization
type Options struct {
	BTreeDegree   int           `yaml:"btree_degree"`     // Degree of the B-tree of each index (0 = default)
	GCInterval    time.Duration `yaml:"gc_interval"`      // Time between GC runs (0 = default: 100ms)
	MaxActiveTxns int           `yaml:"max_active_txns"`  // Maximum number of concurrently active transactions (0 = unlimited)
	MaxTextKeyLen int           `yaml:"max_text_key_len"` // Maximum length of text keys in bytes (0 = unlimited)
}

// DefaultOptions returns the default birch options
func DefaultOptions() *Options {
	return &Options{
		BTreeDegree:   defaultBTreeDegree,
		GCInterval:    defaultGCInterval,
		MaxActiveTxns: 0,
		MaxTextKeyLen: defaultMaxTextKeyLen,
	}
}

// LoadOptions reads options from a YAML file. Fields missing from the file
// keep their default values.
//
// Example:
//
//	btree_degree: 64
//	gc_interval: 250ms
//	max_active_txns: 1024
//	max_text_key_len: 256
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}

	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks the options for invalid values
func (o *Options) Validate() error {
	if o.BTreeDegree < 0 || o.BTreeDegree == 1 {
		return fmt.Errorf("invalid btree degree %d (must be 0 or at least 2)", o.BTreeDegree)
	}
	if o.GCInterval < 0 {
		return fmt.Errorf("invalid gc interval %s", o.GCInterval)
	}
	if o.MaxActiveTxns < 0 {
		return fmt.Errorf("invalid max active transactions %d", o.MaxActiveTxns)
	}
	if o.MaxTextKeyLen < 0 {
		return fmt.Errorf("invalid max text key length %d", o.MaxTextKeyLen)
	}
	return nil
}

// withDefaults returns a copy of o with zero values replaced by defaults
func (o *Options) withDefaults() Options {
	if o == nil {
		return *DefaultOptions()
	}
	opts := *o
	if opts.BTreeDegree == 0 {
		opts.BTreeDegree = defaultBTreeDegree
	}
	if opts.GCInterval == 0 {
		opts.GCInterval = defaultGCInterval
	}
	return opts
}

func (o Options) String() string {
	return fmt.Sprintf("Options{BTreeDegree: %d, GCInterval: %s, MaxActiveTxns: %d, MaxTextKeyLen: %d}",
		o.BTreeDegree, o.GCInterval, o.MaxActiveTxns, o.MaxTextKeyLen)
}
