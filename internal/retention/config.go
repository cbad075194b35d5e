// Package retention provides artifact and run-history retention management.
package retention

// Config holds retention policy configuration.
type Config struct {
	// ArtifactsTTLHours is the time-to-live for report artifacts in hours.
	// Artifacts older than this will be deleted during cleanup.
	// Default: 168 (7 days)
	ArtifactsTTLHours int

	// RunHistoryTTLHours is the time-to-live for finished run records in
	// the persistence store, in hours. Runs older than this (by end time)
	// are deleted during cleanup.
	// Default: 168 (7 days)
	RunHistoryTTLHours int

	// CleanupIntervalHours is the interval between cleanup runs in hours.
	// Default: 24 (once per day)
	CleanupIntervalHours int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ArtifactsTTLHours:    168, // 7 days
		RunHistoryTTLHours:   168, // 7 days
		CleanupIntervalHours: 24,  // once per day
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	result := c
	if result.ArtifactsTTLHours <= 0 {
		result.ArtifactsTTLHours = 168
	}
	if result.RunHistoryTTLHours <= 0 {
		result.RunHistoryTTLHours = 168
	}
	if result.CleanupIntervalHours <= 0 {
		result.CleanupIntervalHours = 24
	}
	return result
}
