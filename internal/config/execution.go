package config

// ExecutionConfig configures the tactile interface.
type ExecutionConfig struct {
	// Default timeout for commands; empty or "0" means no deadline
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Captured output cap per stream
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`

	// Pass the whole parent environment (conda needs its CONDA_* variables)
	InheritEnvironment bool `yaml:"inherit_environment" json:"inherit_environment,omitempty"`

	// Environment variables to pass when not inheriting
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`
}
