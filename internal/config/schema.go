// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for roost.
package config

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// DataDir is the persistent data directory. Defaults to ~/.roost.
	DataDir string `yaml:"data_dir,omitempty"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level,omitempty"`

	// Scheduler configures the job scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
}

// SchedulerConfig holds job-scheduler settings.
type SchedulerConfig struct {
	// DBPath is the SQLite job database. Defaults to <data_dir>/jobs.db.
	DBPath string `yaml:"db_path,omitempty"`

	// TickInterval is the firing loop's wake period as a Go duration
	// string (e.g. "2s"). Defaults to 2s.
	TickInterval string `yaml:"tick_interval,omitempty"`

	// Timezone is applied to cron schedules that omit one. Empty means UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// SummaryLength caps the isolated-run summary posted into the main
	// session. Defaults to 400 runes.
	SummaryLength int `yaml:"summary_length,omitempty"`
}
