// Package config loads the toil configuration document (spec.md §6).
// Load and Save read and write a YAML document at a local file path.
// SharedFileName is the name the document goes by as a job-store shared
// file (config.xml, although the content is YAML); this package itself
// does not read or write the job store.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SharedFileName is the name under which the configuration document is
// stored as a shared file in the job store (spec.md §6).
const SharedFileName = "config.xml"

// Config is the persisted key/value tree described in spec.md §6.
type Config struct {
	JobStore            string        `yaml:"job_store"`
	TryCount             int           `yaml:"try_count"`
	DefaultMemory        int64         `yaml:"default_memory"`
	DefaultCPU           float64       `yaml:"default_cpu"`
	DefaultDisk          int64         `yaml:"default_disk"`
	JobTime              time.Duration `yaml:"job_time"`
	MaxJobDuration        time.Duration `yaml:"max_job_duration"`
	RescueJobsFrequency  time.Duration `yaml:"rescue_jobs_frequency"`
	MissingJobMissThreshold int        `yaml:"missing_job_miss_threshold"`
	RootJob              string        `yaml:"rootJob"`
}

// Default returns a Config with the defaults the leader falls back to
// when a key is absent from the persisted document, mirroring the
// teacher's DefaultConfig pattern (pkg/config).
func Default() Config {
	return Config{
		TryCount:                1,
		DefaultMemory:           100 << 20, // 100 MiB
		DefaultCPU:              1.0,
		DefaultDisk:             2 << 30, // 2 GiB
		JobTime:                 30 * time.Second,
		MaxJobDuration:          24 * time.Hour,
		RescueJobsFrequency:     10 * 30 * time.Second, // 10x ideal job time, per spec.md §4.4(d)
		MissingJobMissThreshold: 3,                      // spec.md §9 open question: expose the magic number
	}
}

// Load reads and parses the configuration document from path over
// Default(): keys absent from the document keep their default values,
// while keys present with a zero value keep that zero value and are
// left to Validate. A missing file is not an
// error; Load returns Default() verbatim (spec.md does not mandate a
// config file exist before the first job is persisted).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save marshals cfg as YAML and writes it to path, used once the
// driver has created the root job and must stamp rootJob into the
// document (spec.md §6).
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the required keys listed in spec.md §6 for sane values.
func (c Config) Validate() error {
	if c.TryCount < 1 {
		return fmt.Errorf("try_count must be >= 1, got %d", c.TryCount)
	}
	if c.DefaultMemory < 0 || c.DefaultCPU < 0 || c.DefaultDisk < 0 {
		return fmt.Errorf("resource defaults must be non-negative")
	}
	if c.JobTime <= 0 {
		return fmt.Errorf("job_time must be positive")
	}
	if c.MaxJobDuration <= 0 {
		return fmt.Errorf("max_job_duration must be positive")
	}
	if c.RescueJobsFrequency <= 0 {
		return fmt.Errorf("rescue_jobs_frequency must be positive")
	}
	if c.MissingJobMissThreshold < 1 {
		return fmt.Errorf("missing_job_miss_threshold must be >= 1")
	}
	return nil
}
