package config

import "path/filepath"

const (
	// Layout under WARDEN_HOME.
	ConfigFilePath = "config.toml"
	LogsDirPath    = "logs"

	AuditFileName = "audit.jsonl"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func defaultHomePath(home string) string {
	return filepath.Join(home, ".warden")
}

func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.HomeDir, LogsDirPath)
}

// AuditPath resolves audit.file, or returns "" when the audit log is disabled.
func (c *Config) AuditPath() string {
	if c.Audit.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Audit.File) {
		return c.Audit.File
	}
	return filepath.Join(c.LogsDir(), c.Audit.File)
}
