// Package config loads relay settings from defaults, YAML files, the
// environment and command line overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const envPrefix = "PAGERELAY_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Relay     RelayConfig     `koanf:"relay"`
	Server    ServerConfig    `koanf:"server"`
	MCP       MCPConfig       `koanf:"mcp"`
	Tools     ToolsConfig     `koanf:"tools"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

// RelayConfig tunes request correlation.
type RelayConfig struct {
	RequestTimeoutMs int `koanf:"request_timeout_ms"`
	SweepIntervalMs  int `koanf:"sweep_interval_ms"`
	MaxIDAttempts    int `koanf:"max_id_attempts"`
}

// RequestTimeout returns the per-request timeout.
func (r RelayConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutMs) * time.Millisecond
}

// SweepInterval returns how often expired requests are reaped.
func (r RelayConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMs) * time.Millisecond
}

// ServerConfig describes the HTTP surface.
type ServerConfig struct {
	Addr           string   `koanf:"addr"`
	PagePath       string   `koanf:"page_path"`
	MCPPath        string   `koanf:"mcp_path"`
	RPCPath        string   `koanf:"rpc_path"`
	StatusPath     string   `koanf:"status_path"`
	GRPCHealthAddr string   `koanf:"grpc_health_addr"` // empty disables it
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// ToolsConfig restricts which relay tools are exposed. Entries accept
// glob patterns; deny wins over allow.
type ToolsConfig struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

type MCPConfig struct {
	Transport string `koanf:"transport"` // stdio, http
	Name      string `koanf:"name"`
	Version   string `koanf:"version"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("relay.request_timeout_ms", 30000)
	k.Set("relay.sweep_interval_ms", 1000)
	k.Set("relay.max_id_attempts", 8)

	k.Set("server.addr", "127.0.0.1:3030")
	k.Set("server.page_path", "/ws")
	k.Set("server.mcp_path", "/mcp")
	k.Set("server.rpc_path", "/rpc")
	k.Set("server.status_path", "/status")

	k.Set("mcp.transport", "http")
	k.Set("mcp.name", "pagerelay")
	k.Set("mcp.version", "0.1.0")
}

func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile loads path and then, when present, the profile file
// next to it (config.yaml + "dev" -> config.dev.yaml).
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration using --config, --profile (or --env)
// and repeated --set key=value arguments. Unknown arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, overrides, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, overrides)
}

func load(path, profile string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from file, then the profile overlay
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
		if overlay := profileConfigPath(path, profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	// 2. Load from ENV (PAGERELAY_RELAY_REQUEST_TIMEOUT_MS -> relay.request_timeout_ms)
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	// 3. CLI overrides
	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment variable to a koanf key. The first underscore
// separates the section; the rest belong to the field name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type cliOptions struct {
	path    string
	profile string
}

func parseCLIOverrides(args []string) (cliOptions, map[string]any, error) {
	var opts cliOptions
	overrides := map[string]any{}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for %s", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.path = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			key, raw, ok := strings.Cut(value, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, nil, fmt.Errorf("invalid --set value %q, want key=value", value)
			}
			overrides[key] = decodeValue(raw)
		}
	}
	return opts, overrides, nil
}

// decodeValue reads raw as YAML so numbers, booleans, lists and maps keep
// their type. Anything unparsable stays a string.
func decodeValue(raw string) any {
	var out any
	if err := yamlv3.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return raw
	}
	return out
}
