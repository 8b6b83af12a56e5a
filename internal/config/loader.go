package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for every environment override.
	EnvPrefix = "VENDORSCOPE_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// nestedSections lists second-level groups. An environment key whose first two
// segments name one of these is split twice instead of once.
var nestedSections = map[string]bool{
	"vectorstore.chromem": true,
	"vectorstore.qdrant":  true,
	"dispatch.nats":       true,
}

// Load reads configuration from the optional file at path, then overrides it
// with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (VENDORSCOPE_SERVER_HTTP_PORT, ...)
//  2. .env file in the working directory (never overrides the real environment)
//  3. Config file (.yaml, .yml or .toml)
//  4. Defaults
//
// The config file must not be writable by group or others and may not exceed 1MB.
//
// Environment keys split on the first underscore after the prefix:
//
//	VENDORSCOPE_SERVER_HTTP_PORT          -> server.http_port
//	VENDORSCOPE_CRAWLER_MAX_PAGES         -> crawler.max_pages
//	VENDORSCOPE_VECTORSTORE_QDRANT_HOST   -> vectorstore.qdrant.host
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Booleans that default to true are seeded before unmarshalling; keys
	// absent from every source leave them untouched.
	cfg := Config{Scheduler: SchedulerConfig{Enabled: true}}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps VENDORSCOPE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}

	section, field := parts[0], parts[1]
	sub := strings.SplitN(field, "_", 2)
	if len(sub) == 2 && nestedSections[section+"."+sub[0]] {
		return section + "." + sub[0] + "." + sub[1]
	}
	return section + "." + field
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".toml":
		parser = TOMLParser()
	default:
		return fmt.Errorf("unsupported config file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}

	// Open once and validate through the descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}

	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
