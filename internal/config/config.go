package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all defensepipe configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Managed runtime environment for DefenseFinder
	Environment EnvironmentConfig `yaml:"environment"`

	// Batch Runner over FASTA files
	DefenseFinder DefenseFinderConfig `yaml:"defensefinder"`

	// AMRFinderPlus batch
	AMRFinder AMRFinderConfig `yaml:"amrfinder"`

	// Bakta web API batch
	Bakta BaktaConfig `yaml:"bakta"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Run ledger
	Ledger LedgerConfig `yaml:"ledger"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EnvironmentConfig configures the package/environment manager bootstrap.
type EnvironmentConfig struct {
	Manager        string   `yaml:"manager"` // conda, mamba, micromamba
	Name           string   `yaml:"name"`
	Python         string   `yaml:"python"`
	Packages       []string `yaml:"packages"`
	UpdateDatabase bool     `yaml:"update_database"`
	ReuseExisting  bool     `yaml:"reuse_existing"`
}

// DefenseFinderConfig configures the Batch Runner.
type DefenseFinderConfig struct {
	Binary        string   `yaml:"binary"`
	ExtraArgs     []string `yaml:"extra_args"`
	InputPattern  string   `yaml:"input_pattern"`
	OutputSuffix  string   `yaml:"output_suffix"`
	SummaryFile   string   `yaml:"summary_file"`
	CountMode     string   `yaml:"count_mode"` // lines, systems
	Jobs          int      `yaml:"jobs"`
	Timeout       string   `yaml:"timeout"` // per file, empty = none
	WatchDebounce string   `yaml:"watch_debounce"`
}

// AMRFinderConfig configures the AMRFinderPlus batch.
type AMRFinderConfig struct {
	Binary         string `yaml:"binary"`
	Environment    string `yaml:"environment"`
	Organism       string `yaml:"organism"`
	AssembliesDir  string `yaml:"assemblies_dir"`
	OutputDir      string `yaml:"output_dir"`
	CombinedOutput string `yaml:"combined_output"`
	MaxWorkers     int    `yaml:"max_workers"`
}

// BaktaConfig configures the Bakta API client and batch runner.
type BaktaConfig struct {
	BaseURL       string `yaml:"base_url"`
	Timeout       string `yaml:"timeout"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	BatchSize     int    `yaml:"batch_size"`
	MaxRetries    int    `yaml:"max_retries"`
	PollInterval  string `yaml:"poll_interval"`
	MaxWait       string `yaml:"max_wait"`
	BatchPause    string `yaml:"batch_pause"`
	ResultsDir    string `yaml:"results_dir"`
	ParamsDir     string `yaml:"params_dir"`
}

// LedgerConfig configures the SQLite run ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "defensepipe",
		Version: "0.3.0",

		Environment: EnvironmentConfig{
			Manager:        "conda",
			Name:           "defensefinder",
			Python:         "3.9",
			Packages:       []string{"mdmparis-defense-finder"},
			UpdateDatabase: true,
		},

		DefenseFinder: DefenseFinderConfig{
			Binary:        "defense-finder",
			InputPattern:  "*.fasta",
			OutputSuffix:  "_defense_finder_systems.tsv",
			SummaryFile:   "total-system-number.tsv",
			CountMode:     "lines",
			Jobs:          1,
			WatchDebounce: "2s",
		},

		AMRFinder: AMRFinderConfig{
			Binary:         "amrfinder",
			Environment:    "amrfinder",
			Organism:       "Escherichia",
			AssembliesDir:  "../assemblies",
			OutputDir:      "amrfinder_results",
			CombinedOutput: "amrfinder_combined_results.csv",
			MaxWorkers:     4,
		},

		Bakta: BaktaConfig{
			BaseURL:       "https://api.bakta.computational.bio",
			Timeout:       "30s",
			MaxConcurrent: 5,
			BatchSize:     10,
			MaxRetries:    3,
			PollInterval:  "30s",
			MaxWait:       "1h",
			BatchPause:    "10s",
			ResultsDir:    "bakta_results",
			ParamsDir:     "bakta_params",
		},

		Execution: ExecutionConfig{
			DefaultTimeout:     "",
			MaxOutputBytes:     10 * 1024 * 1024,
			InheritEnvironment: true,
			AllowedEnvVars:     []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR"},
		},

		Ledger: LedgerConfig{
			Enabled: true,
			Path:    filepath.Join(".dpipe", "runs.db"),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the config location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".dpipe", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if name := os.Getenv("DPIPE_CONDA_ENV"); name != "" {
		c.Environment.Name = name
	}
	if level := os.Getenv("DPIPE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("BAKTA_API_URL"); url != "" {
		c.Bakta.BaseURL = url
	}
	if path := os.Getenv("DPIPE_LEDGER"); path != "" {
		c.Ledger.Path = path
	}
}

// ValidCountModes lists the accepted summary count modes.
var ValidCountModes = []string{"lines", "systems"}

// ValidManagers lists the environment managers with a conda-compatible CLI.
var ValidManagers = []string{"conda", "mamba", "micromamba"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidManagers, c.Environment.Manager) {
		return fmt.Errorf("invalid environment manager: %s (valid: %v)", c.Environment.Manager, ValidManagers)
	}
	if c.DefenseFinder.Binary == "" {
		return fmt.Errorf("defensefinder.binary must not be empty")
	}
	if c.DefenseFinder.InputPattern == "" {
		return fmt.Errorf("defensefinder.input_pattern must not be empty")
	}
	if !contains(ValidCountModes, c.DefenseFinder.CountMode) {
		return fmt.Errorf("invalid count mode: %s (valid: %v)", c.DefenseFinder.CountMode, ValidCountModes)
	}
	if c.DefenseFinder.Jobs < 1 {
		return fmt.Errorf("defensefinder.jobs must be at least 1, got %d", c.DefenseFinder.Jobs)
	}
	if c.AMRFinder.MaxWorkers < 1 {
		return fmt.Errorf("amrfinder.max_workers must be at least 1, got %d", c.AMRFinder.MaxWorkers)
	}
	if c.Bakta.BatchSize < 1 || c.Bakta.MaxConcurrent < 1 {
		return fmt.Errorf("bakta batch_size and max_concurrent must be at least 1")
	}
	return nil
}

// GetExecutionTimeout returns the default execution timeout; zero means no deadline.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.DefaultTimeout, 0)
}

// GetFileTimeout returns the per-file DefenseFinder timeout; zero means no deadline.
func (c *Config) GetFileTimeout() time.Duration {
	return parseDuration(c.DefenseFinder.Timeout, 0)
}

// GetWatchDebounce returns how long a file must be stable before the watcher picks it up.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.DefenseFinder.WatchDebounce, 2*time.Second)
}

// GetBaktaTimeout returns the Bakta API request timeout.
func (c *Config) GetBaktaTimeout() time.Duration {
	return parseDuration(c.Bakta.Timeout, 30*time.Second)
}

// GetBaktaPollInterval returns the job status poll interval.
func (c *Config) GetBaktaPollInterval() time.Duration {
	return parseDuration(c.Bakta.PollInterval, 30*time.Second)
}

// GetBaktaMaxWait returns how long a single job may run before it is marked timed out.
func (c *Config) GetBaktaMaxWait() time.Duration {
	return parseDuration(c.Bakta.MaxWait, time.Hour)
}

// GetBaktaBatchPause returns the pause between Bakta batches.
func (c *Config) GetBaktaBatchPause() time.Duration {
	return parseDuration(c.Bakta.BatchPause, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
