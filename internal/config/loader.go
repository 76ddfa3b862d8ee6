package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/elexd/internal/gossip"
)

const (
	// EnvPrefix marks environment variables read by Load.
	EnvPrefix = "ELEXD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// ErrInvalidConfigFile is returned when the config file fails the
// permission, type or size checks.
var ErrInvalidConfigFile = errors.New("invalid config file")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("agentid", validateAgentID)
}

// validateAgentID accepts ids usable as a single transport subject token.
func validateAgentID(fl validator.FieldLevel) bool {
	return gossip.ValidateAgentID(fl.Field().String()) == nil
}

// DefaultPath returns ~/.config/elexd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "elexd", "config.yaml"), nil
}

// Load reads configuration from a YAML file, then applies environment overrides.
//
// An empty configPath uses DefaultPath. A missing file is not an error; the
// defaults and environment are used alone.
//
// # Environment Variable Mapping
//
// The ELEXD_ prefix is stripped and the rest split on the first underscore:
//
//	ELEXD_SERVER_HTTP_PORT   -> server.http_port
//	ELEXD_SYNC_NATS_URL      -> sync.nats_url
//	ELEXD_LEARNING_EPSILON   -> learning.epsilon
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	k := koanf.New(".")

	content, err := readConfigFile(configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps ELEXD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens path once and validates the open descriptor before reading.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidConfigFile, maxConfigFileSize)
	}
	return content, nil
}

// validateConfigFileProperties rejects non-regular, oversized, and group or
// world writable files.
func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidConfigFile, info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("%w: insecure permissions %v (group or world writable)", ErrInvalidConfigFile, perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidConfigFile, info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values derived from other settings.
func applyDefaults(cfg *Config) error {
	dataDir, err := ExpandHome(cfg.Agent.DataDir)
	if err != nil {
		return err
	}
	cfg.Agent.DataDir = dataDir

	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "agent-" + uuid.NewString()[:8]
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(dataDir, "state")
	}
	if cfg.Storage.Path, err = ExpandHome(cfg.Storage.Path); err != nil {
		return err
	}
	if cfg.Patterns.Archive && cfg.Patterns.ArchivePath == "" {
		cfg.Patterns.ArchivePath = filepath.Join(dataDir, "patterns")
	}
	if cfg.Patterns.ArchivePath, err = ExpandHome(cfg.Patterns.ArchivePath); err != nil {
		return err
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate checks struct tags and cross-section constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Learning.EpsilonMin > c.Learning.Epsilon {
		return fmt.Errorf("learning.epsilon_min %v exceeds learning.epsilon %v", c.Learning.EpsilonMin, c.Learning.Epsilon)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if c.Patterns.Archive && c.Patterns.ArchivePath == "" {
		return fmt.Errorf("patterns.archive_path is required when patterns.archive is set")
	}
	return nil
}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
