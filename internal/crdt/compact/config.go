package compact

import "time"

// Config defines thresholds for when to perform compaction
type Config struct {
	// Maximum age of tombstones before they are dropped
	TombstoneTTL time.Duration
	// Documents with fewer tombstones than this are skipped
	MinTombstones int
	// How often to run compaction
	Interval time.Duration
	// Glob patterns selecting the document ids to compact; "!" negates
	Documents []string
}

// DefaultConfig returns sensible defaults for compaction
func DefaultConfig() *Config {
	return &Config{
		TombstoneTTL:  7 * 24 * time.Hour, // Keep tombstones for 1 week
		MinTombstones: 64,
		Interval:      1 * time.Hour, // Run compaction every hour
		Documents:     []string{"**"},
	}
}
