// Package config loads warden runtime configuration from a TOML file and environment variables, exposing typed structs for each section.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// SpuriousStopsAuto lets the supervisor derive the skip count from the compiled filter.
const SpuriousStopsAuto = -1

// Config is the runtime configuration loaded from defaults, config.toml, and env vars.
type Config struct {
	// HomeDir is runtime-resolved from WARDEN_HOME and not read from config.
	HomeDir   string          `mapstructure:"-"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Mediation MediationConfig `mapstructure:"mediation"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// SandboxConfig controls how the target is launched and supervised.
type SandboxConfig struct {
	// Timeout bounds the whole session; zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
	// SpuriousStops is how many leading seccomp stops are consumed without
	// decoding. SpuriousStopsAuto derives it from the filter.
	SpuriousStops int      `mapstructure:"spurious_stops"`
	InheritEnv    bool     `mapstructure:"inherit_env"`
	Env           []string `mapstructure:"env"`
	Landlock      bool     `mapstructure:"landlock"`
	RODirs        []string `mapstructure:"ro_dirs"`
	RWDirs        []string `mapstructure:"rw_dirs"`
}

// PolicyConfig is the declarative seccomp policy.
type PolicyConfig struct {
	DefaultAction string `mapstructure:"default_action"`
	MatchAction   string `mapstructure:"match_action"`
	// Rules are expressions like "openat arg2&0x3==0".
	Rules []string `mapstructure:"rules"`
}

// MediationConfig configures the user-space decision engine.
type MediationConfig struct {
	DenySyscalls []string `mapstructure:"deny_syscalls"`
	DenyPaths    []string `mapstructure:"deny_paths"`
	// DenyErrno is the errno a denied call fails with, by name or number.
	DenyErrno string `mapstructure:"deny_errno"`
	// Emulate maps syscall names to a fixed result returned without running the call.
	Emulate map[string]int64 `mapstructure:"emulate"`
}

// AuditConfig configures the decision log.
type AuditConfig struct {
	// File is a JSONL path; relative paths resolve under WARDEN_HOME/logs.
	// Defaults to audit.jsonl. Empty disables it.
	File string `mapstructure:"file"`
}

var defaultConfig = Config{
	Sandbox: SandboxConfig{
		Timeout:       0,
		SpuriousStops: SpuriousStopsAuto,
		InheritEnv:    true,
		Env:           []string{},
		Landlock:      false,
		RODirs:        []string{"/"},
		RWDirs:        []string{"/dev", "/tmp"},
	},
	Policy: PolicyConfig{
		DefaultAction: "trace",
		MatchAction:   "allow",
		Rules:         []string{},
	},
	Mediation: MediationConfig{
		DenySyscalls: []string{},
		DenyPaths:    []string{},
		DenyErrno:    "EPERM",
		Emulate:      map[string]int64{},
	},
	Audit: AuditConfig{
		File: AuditFileName,
	},
}

// defaultUserConfig is the starter config written by "warden init". It only
// carries the settings users are expected to edit.
var defaultUserConfig = Config{
	Sandbox: SandboxConfig{
		Timeout:  time.Minute,
		Landlock: false,
	},
	Policy: PolicyConfig{
		DefaultAction: "trace",
		MatchAction:   "allow",
		Rules:         []string{"brk", "mmap", "munmap", "rt_sigreturn"},
	},
	Mediation: MediationConfig{
		DenySyscalls: []string{"ptrace"},
		DenyPaths:    []string{"/etc/shadow"},
		DenyErrno:    "EPERM",
	},
	Audit: AuditConfig{
		File: AuditFileName,
	},
}

// homeDir returns the warden home directory.
// Uses WARDEN_HOME env var if set, otherwise defaults to ~/.warden.
func homeDir() (string, error) {
	if dir := os.Getenv("WARDEN_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return defaultHomePath(home), nil
}

func newViper(homeDir string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(homeDir))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// Load merges hardcoded defaults and config file values in that order.
// Config is always at $WARDEN_HOME/config.toml.
func Load() (*Config, error) {
	homeDir, err := homeDir()
	if err != nil {
		return nil, err
	}

	v, err := newViper(homeDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HomeDir = homeDir

	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by user
// config) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	homeDir, err := homeDir()
	if err != nil {
		return err
	}

	v, err := newViper(homeDir)
	if err != nil {
		return err
	}

	// Keep duration fields human-readable in generated TOML.
	v.Set("sandbox.timeout", v.GetDuration("sandbox.timeout").String())

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultUserConfigTOML renders the starter user config as TOML.
func DefaultUserConfigTOML() (string, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.Set("sandbox.timeout", defaultUserConfig.Sandbox.Timeout.String())
	v.Set("sandbox.landlock", defaultUserConfig.Sandbox.Landlock)
	v.Set("policy.default_action", defaultUserConfig.Policy.DefaultAction)
	v.Set("policy.match_action", defaultUserConfig.Policy.MatchAction)
	v.Set("policy.rules", defaultUserConfig.Policy.Rules)
	v.Set("mediation.deny_syscalls", defaultUserConfig.Mediation.DenySyscalls)
	v.Set("mediation.deny_paths", defaultUserConfig.Mediation.DenyPaths)
	v.Set("mediation.deny_errno", defaultUserConfig.Mediation.DenyErrno)
	v.Set("audit.file", defaultUserConfig.Audit.File)

	var out bytes.Buffer
	if err := v.WriteConfigTo(&out); err != nil {
		return "", fmt.Errorf("write default user config: %w", err)
	}
	return out.String(), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sandbox.timeout", defaultConfig.Sandbox.Timeout)
	v.SetDefault("sandbox.spurious_stops", defaultConfig.Sandbox.SpuriousStops)
	v.SetDefault("sandbox.inherit_env", defaultConfig.Sandbox.InheritEnv)
	v.SetDefault("sandbox.env", defaultConfig.Sandbox.Env)
	v.SetDefault("sandbox.landlock", defaultConfig.Sandbox.Landlock)
	v.SetDefault("sandbox.ro_dirs", defaultConfig.Sandbox.RODirs)
	v.SetDefault("sandbox.rw_dirs", defaultConfig.Sandbox.RWDirs)

	v.SetDefault("policy.default_action", defaultConfig.Policy.DefaultAction)
	v.SetDefault("policy.match_action", defaultConfig.Policy.MatchAction)
	v.SetDefault("policy.rules", defaultConfig.Policy.Rules)

	v.SetDefault("mediation.deny_syscalls", defaultConfig.Mediation.DenySyscalls)
	v.SetDefault("mediation.deny_paths", defaultConfig.Mediation.DenyPaths)
	v.SetDefault("mediation.deny_errno", defaultConfig.Mediation.DenyErrno)
	v.SetDefault("mediation.emulate", defaultConfig.Mediation.Emulate)

	v.SetDefault("audit.file", defaultConfig.Audit.File)
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
