package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	Dir        string          `yaml:"dir"`        // relative to project_root
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no log files
	Categories map[string]bool `yaml:"categories"` // Per-category toggles
}

// JSON reports whether structured JSON log lines were requested.
func (c *LoggingConfig) JSON() bool {
	return c.Format == "json"
}
