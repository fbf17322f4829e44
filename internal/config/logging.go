package config

import "strings"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level,omitempty"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format,omitempty"` // json, console
	File   string `yaml:"file" json:"file,omitempty"`     // optional extra sink next to stderr
}

// IsJSON reports whether structured JSON output was requested.
func (c LoggingConfig) IsJSON() bool {
	return strings.EqualFold(c.Format, "json")
}
