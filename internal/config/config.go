// Package config loads gateway configuration from an optional file
// (agentgate.yaml, .yml or .toml) and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/gate"
)

// FileNames are searched, in order, when no explicit path is given.
var FileNames = []string{"agentgate.yaml", "agentgate.yml", "agentgate.toml"}

// Config is the full gateway configuration.
type Config struct {
	Gate          GateConfig        `yaml:"gate"`
	DefaultKind   string            `yaml:"default_assistant_kind"`
	Timeout       time.Duration     `yaml:"request_timeout"`
	CommandPrefix string            `yaml:"command_prefix"`
	Streaming     map[string]string `yaml:"streaming"`
	Storage       StorageConfig     `yaml:"storage"`
	Assistants    AssistantsConfig  `yaml:"assistants"`
	Commands      CommandsConfig    `yaml:"commands"`
	HTTPAddr      string            `yaml:"http_addr"`
	Log           LogConfig         `yaml:"log"`
	WorkspaceDir  string            `yaml:"workspace_dir"`
}

// GateConfig bounds concurrent work.
type GateConfig struct {
	Limit          int    `yaml:"global_concurrency_limit"`
	QueueDepth     int    `yaml:"queue_depth_limit"`
	OverflowPolicy string `yaml:"queue_overflow_policy"`
}

// StorageConfig selects and configures the session store engine.
type StorageConfig struct {
	Driver       string      `yaml:"driver"` // sqlite or memgraph
	DatabasePath string      `yaml:"database_path"`
	Neo4j        Neo4jConfig `yaml:"neo4j"`
}

// Neo4jConfig configures the graph engine.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// AssistantsConfig locates backend CLIs.
type AssistantsConfig struct {
	ClaudeBinary string `yaml:"claude_binary"`
	CodexBinary  string `yaml:"codex_binary"`
	// NoisePatterns are regular expressions; matching output lines are dropped.
	NoisePatterns []string `yaml:"noise_patterns"`
}

// CommandsConfig controls template discovery.
type CommandsConfig struct {
	Patterns []string      `yaml:"patterns"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	data := filepath.Join(home, ".agentgate")
	return &Config{
		Gate: GateConfig{
			Limit:          10,
			QueueDepth:     50,
			OverflowPolicy: string(gate.PolicyReject),
		},
		DefaultKind:   string(domain.AssistantClaude),
		Timeout:       10 * time.Minute,
		CommandPrefix: "/",
		Streaming:     map[string]string{},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DatabasePath: filepath.Join(data, "agentgate.db"),
			Neo4j: Neo4jConfig{
				URI:      "bolt://localhost:7687",
				Database: "memgraph",
			},
		},
		Assistants: AssistantsConfig{
			ClaudeBinary: "claude",
			CodexBinary:  "codex",
		},
		Commands: CommandsConfig{
			Watch:    true,
			Debounce: 250 * time.Millisecond,
		},
		HTTPAddr:     ":8080",
		Log:          LogConfig{Level: "info", Format: "auto"},
		WorkspaceDir: filepath.Join(data, "workspace"),
	}
}

// Load reads path (or the first of FileNames in the working directory when
// path is empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Environ())
}

// LoadWithEnv is Load with an explicit environment (KEY=VALUE entries).
func LoadWithEnv(path string, environ []string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findFile(".")
	}
	if path != "" {
		raw, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(envMap(environ)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile(dir string) string {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readFile parses a YAML or TOML file into a generic map.
func readFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]interface{})
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}

// decode merges raw onto cfg. Keys absent from raw keep their defaults.
func decode(raw map[string]interface{}, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}
	return decoder.Decode(raw)
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

const streamingSuffix = "_STREAMING_MODE"

func (c *Config) applyEnv(env map[string]string) error {
	str := func(key string, dst *string) {
		if v, ok := env[key]; ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := env[key]
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	if err := num("GLOBAL_CONCURRENCY_LIMIT", &c.Gate.Limit); err != nil {
		return err
	}
	if err := num("QUEUE_DEPTH_LIMIT", &c.Gate.QueueDepth); err != nil {
		return err
	}
	str("QUEUE_OVERFLOW_POLICY", &c.Gate.OverflowPolicy)
	str("DEFAULT_ASSISTANT_KIND", &c.DefaultKind)
	str("COMMAND_PREFIX", &c.CommandPrefix)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATABASE_PATH", &c.Storage.DatabasePath)
	str("NEO4J_URI", &c.Storage.Neo4j.URI)
	str("NEO4J_USER", &c.Storage.Neo4j.User)
	str("NEO4J_PASSWORD", &c.Storage.Neo4j.Password)
	str("NEO4J_DATABASE", &c.Storage.Neo4j.Database)
	str("CLAUDE_BINARY", &c.Assistants.ClaudeBinary)
	str("CODEX_BINARY", &c.Assistants.CodexBinary)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("WORKSPACE_DIR", &c.WorkspaceDir)

	if v, ok := env["REQUEST_TIMEOUT"]; ok && v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}

	for k, v := range env {
		if !strings.HasSuffix(k, streamingSuffix) || v == "" {
			continue
		}
		// other *_STREAMING_MODE variables are not ours
		platform := domain.NormalizePlatform(strings.TrimSuffix(k, streamingSuffix))
		if !domain.KnownPlatform(platform) {
			continue
		}
		if c.Streaming == nil {
			c.Streaming = make(map[string]string)
		}
		c.Streaming[string(platform)] = v
	}
	return nil
}

// parseTimeout accepts a Go duration ("90s") or plain milliseconds.
func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Gate.Limit < 1 {
		return fmt.Errorf("global concurrency limit must be >= 1, got %d", c.Gate.Limit)
	}
	if c.Gate.QueueDepth < 0 {
		return fmt.Errorf("queue depth limit must be >= 0, got %d", c.Gate.QueueDepth)
	}
	if _, err := gate.ParsePolicy(c.Gate.OverflowPolicy); err != nil {
		return err
	}
	if _, err := domain.ParseAssistantKind(c.DefaultKind); err != nil {
		return fmt.Errorf("default assistant kind: %w", err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.Timeout)
	}
	if strings.TrimSpace(c.CommandPrefix) == "" || strings.ContainsAny(c.CommandPrefix, " \t\n") {
		return fmt.Errorf("command prefix %q is invalid", c.CommandPrefix)
	}
	for platform, mode := range c.Streaming {
		if _, err := domain.ParseStreamingMode(mode); err != nil {
			return fmt.Errorf("%s streaming mode: %w", platform, err)
		}
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DatabasePath == "" {
			return fmt.Errorf("database path is required for sqlite storage")
		}
	case "memgraph", "neo4j":
		if c.Storage.Neo4j.URI == "" {
			return fmt.Errorf("neo4j uri is required for %s storage", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q (want sqlite or memgraph)", c.Storage.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Policy returns the parsed overflow policy.
func (c *Config) Policy() gate.Policy {
	p, _ := gate.ParsePolicy(c.Gate.OverflowPolicy)
	return p
}

// AssistantKind returns the parsed default assistant kind.
func (c *Config) AssistantKind() domain.AssistantKind {
	k, _ := domain.ParseAssistantKind(c.DefaultKind)
	return k
}

// StreamingMode returns the delivery mode for a platform. Platforms without
// an explicit setting stream, except github where each chunk would become
// a separate comment.
func (c *Config) StreamingMode(p domain.Platform) domain.StreamingMode {
	if v, ok := c.Streaming[string(p)]; ok {
		if m, err := domain.ParseStreamingMode(v); err == nil {
			return m
		}
	}
	if p == domain.PlatformGitHub {
		return domain.ModeBatch
	}
	return domain.ModeStream
}
