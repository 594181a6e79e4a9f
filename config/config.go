// Package config loads sharesync settings from a YAML file, a .env file and
// SHARESYNC_* environment variables, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

const (
	// DefaultPath is where Load looks when no path is given.
	DefaultPath = "~/.sharesync.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SHARESYNC_"

	BackendS3 = "s3"
	BackendFS = "fs"

	minChunkSize = 64 << 10
	maxChunkSize = 64 << 20
)

// fs is overridden by afero.NewMemMapFs() in tests.
var fs = afero.NewOsFs()

// lookupEnv is overridden in tests.
var lookupEnv = os.LookupEnv

// Duration accepts Go duration strings ("500ms") in YAML and JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Size accepts byte counts with units ("4MiB", "512k") in YAML and JSON.
type Size int64

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(humanize.IBytes(uint64(s)))
}

func (s *Size) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid size %s", b)
		}
		*s = Size(n)
		return nil
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses a byte count such as "4MiB" or "1048576".
func ParseSize(str string) (Size, error) {
	v, err := humanize.ParseBytes(strings.TrimSpace(str))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", str, err)
	}
	return Size(v), nil
}

// Account describes how to reach one storage account.
type Account struct {
	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// Config holds every sharesync setting.
type Config struct {
	StateDir string `json:"state_dir"`
	LogLevel string `json:"log_level"`

	Workers        int  `json:"workers"`
	ChunkSize      Size `json:"chunk_size"`
	MaxConcurrency int  `json:"max_concurrency"`
	// MaxBytesPerSec of zero means unlimited.
	MaxBytesPerSec Size `json:"max_bytes_per_sec"`

	RetryAttempts  int      `json:"retry_attempts"`
	RetryBaseDelay Duration `json:"retry_base_delay"`
	CapabilityTTL  Duration `json:"capability_ttl"`

	Backend  string             `json:"backend"`
	Accounts map[string]Account `json:"accounts,omitempty"`
	// FSRoot holds <account>/<share> directories when Backend is fs.
	FSRoot string `json:"fs_root,omitempty"`

	Listen string `json:"listen"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		StateDir:       "~/.sharesync",
		LogLevel:       "info",
		Workers:        3,
		ChunkSize:      4 << 20,
		MaxConcurrency: 4,
		RetryAttempts:  4,
		RetryBaseDelay: Duration(500 * time.Millisecond),
		CapabilityTTL:  Duration(30 * time.Second),
		Backend:        BackendS3,
		Listen:         "127.0.0.1:7878",
	}
}

// Load reads the YAML file at path on top of the defaults, then applies the
// .env file next to it and the environment. A missing file is not an error;
// an empty path means DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expand config path: %w", err)
	}

	if err := parseFile(path, &cfg); err != nil {
		return Config{}, err
	}

	env, err := readDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}

	// Relative paths in the file are relative to the file.
	base := filepath.Dir(path)
	if cfg.StateDir, err = expandPath(cfg.StateDir, base); err != nil {
		return Config{}, err
	}
	if cfg.FSRoot, err = expandPath(cfg.FSRoot, base); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseFile(path string, cfg *Config) error {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	env, err := godotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return env, nil
}

// applyEnv applies SHARESYNC_* overrides. The process environment wins over
// dotenv.
func (c *Config) applyEnv(dotenv map[string]string) error {
	get := func(key string) (string, bool) {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			return v, true
		}
		v, ok := dotenv[EnvPrefix+key]
		return v, ok
	}

	strs := map[string]*string{
		"STATE_DIR": &c.StateDir,
		"LOG_LEVEL": &c.LogLevel,
		"BACKEND":   &c.Backend,
		"FS_ROOT":   &c.FSRoot,
		"LISTEN":    &c.Listen,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":         &c.Workers,
		"MAX_CONCURRENCY": &c.MaxConcurrency,
		"RETRY_ATTEMPTS":  &c.RetryAttempts,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	sizes := map[string]*Size{
		"CHUNK_SIZE":        &c.ChunkSize,
		"MAX_BYTES_PER_SEC": &c.MaxBytesPerSec,
	}
	for key, dst := range sizes {
		if v, ok := get(key); ok {
			n, err := ParseSize(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"RETRY_BASE_DELAY": &c.RetryBaseDelay,
		"CAPABILITY_TTL":   &c.CapabilityTTL,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = Duration(d)
		}
	}
	return nil
}

func expandPath(p, base string) (string, error) {
	if p == "" {
		return "", nil
	}
	p, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return p, nil
}

// Validate rejects settings the engine cannot run with and clamps the chunk
// size into range.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendS3:
	case BackendFS:
		if c.FSRoot == "" {
			return fmt.Errorf("backend %q requires fs_root", BackendFS)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.MaxBytesPerSec < 0 {
		return fmt.Errorf("max_bytes_per_sec must not be negative")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.ChunkSize != 0 {
		c.ChunkSize = min(max(c.ChunkSize, minChunkSize), maxChunkSize)
	}
	return nil
}

// CheckpointPath is the bbolt file holding checkpoints and the job journal.
func (c Config) CheckpointPath() string {
	return filepath.Join(c.StateDir, "sharesync.db")
}
