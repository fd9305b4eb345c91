package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mcpgate/pkg/logging"
)

// LoadOptions controls one pass of the loading cascade.
type LoadOptions struct {
	// ConfigDir is the directory holding default.{json,yaml} and
	// {env}.{json,yaml}. Defaults to "config".
	ConfigDir string
	// Environment overrides the detected environment when set.
	Environment Environment
	// CLIOverrides are raw "dotted.path=value" assignments, highest
	// precedence.
	CLIOverrides []string
}

// Load runs the full cascade (built-in defaults, config files,
// environment variables, CLI overrides), then resolves secret
// placeholders, decodes the merged tree, and validates it.
func Load(opts LoadOptions) (*MasterConfig, Environment, error) {
	env := opts.Environment
	if env == "" {
		env = DetectEnvironment()
	}
	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = "config"
	}

	// Development convenience: a .env file seeds the process
	// environment before the env layer is read.
	if env == EnvDevelopment {
		if err := godotenv.Load(); err == nil {
			logging.Debug("Config", "Loaded .env file")
		}
	}

	merged := defaultMap()

	for _, name := range []string{"default", string(env)} {
		layer, path, err := loadFileLayer(configDir, name)
		if err != nil {
			return nil, env, err
		}
		if layer != nil {
			merged = mergeMaps(merged, layer)
			logging.Info("Config", "Loaded configuration from %s", path)
		}
	}

	applyEnvOverrides(merged, os.Environ())

	for _, override := range opts.CLIOverrides {
		if err := applyCLIOverride(merged, override); err != nil {
			return nil, env, err
		}
	}

	if err := resolveSecrets(merged, "", env); err != nil {
		return nil, env, err
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, env, err
	}
	if err := Validate(cfg); err != nil {
		return nil, env, err
	}
	return cfg, env, nil
}

// loadFileLayer reads config/<name>.json or config/<name>.yaml (json
// wins when both exist) into a generic map. A missing file is not an
// error.
func loadFileLayer(dir, name string) (map[string]any, string, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, fmt.Errorf("error reading config from %s: %w", path, err)
		}

		layer := map[string]any{}
		if ext == ".json" {
			err = json.Unmarshal(data, &layer)
		} else {
			err = yaml.Unmarshal(data, &layer)
		}
		if err != nil {
			return nil, path, schemaError(path, fmt.Sprintf("malformed config file: %v", err), "check the file syntax")
		}
		return normalizeMap(layer), path, nil
	}
	return nil, "", nil
}

// mergeMaps deep-merges b over a. Objects merge recursively; arrays and
// scalars replace.
func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for key, value := range a {
		out[key] = value
	}
	for key, value := range b {
		if existing, ok := out[key].(map[string]any); ok {
			if incoming, ok := value.(map[string]any); ok {
				out[key] = mergeMaps(existing, incoming)
				continue
			}
		}
		out[key] = value
	}
	return out
}

// normalizeMap converts yaml's map[any]any nodes to map[string]any so
// the merge and secret passes see one shape.
func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return normalizeMap(typed)
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			out[fmt.Sprintf("%v", key)] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return value
	}
}

// envAliases maps well-known standalone variables onto config paths.
var envAliases = map[string]string{
	"PORT":            "hosting.port",
	"MASTER_BASE_URL": "hosting.base_url",
	"LOG_LEVEL":       "logging.level",
	"LOG_FORMAT":      "logging.format",
}

// applyEnvOverrides maps MASTER_* variables onto config paths, with "_"
// as the path separator (MASTER_HOSTING_PORT -> hosting.port), plus the
// documented aliases.
func applyEnvOverrides(merged map[string]any, environ []string) {
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			continue
		}

		if path, ok := envAliases[name]; ok {
			setPath(merged, path, coerceScalar(value))
			continue
		}
		if !strings.HasPrefix(name, "MASTER_") || name == "MASTER_ENV" || name == "MASTER_BASE_URL" {
			continue
		}
		path := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, "MASTER_"), "_", "."))
		setPath(merged, path, coerceScalar(value))
	}
}

// applyCLIOverride applies one "dotted.path=value" assignment with
// JSON-coerced scalars.
func applyCLIOverride(merged map[string]any, override string) error {
	assignment := strings.TrimPrefix(override, "--")
	path, raw, ok := strings.Cut(assignment, "=")
	if !ok || path == "" {
		return schemaError(override, "malformed override", "use --dotted.path=value")
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	setPath(merged, path, normalizeValue(value))
	return nil
}

// setPath writes value at a dotted path, materializing intermediate
// objects. A scalar in the way is replaced by an object.
func setPath(merged map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := merged
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// coerceScalar turns an environment string into an int, bool, comma
// list, or string.
func coerceScalar(raw string) any {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		list := make([]any, 0, len(parts))
		for _, part := range parts {
			list = append(list, strings.TrimSpace(part))
		}
		return list
	}
	return raw
}

// decode converts the merged tree into the typed snapshot.
func decode(merged map[string]any) (*MasterConfig, error) {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize merged config: %w", err)
	}
	var cfg MasterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, schemaError("$", fmt.Sprintf("config does not match schema: %v", err), "")
	}
	return &cfg, nil
}
