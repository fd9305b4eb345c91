package config

import (
	"os"
	"strings"

	"mcpgate/internal/api"
	"mcpgate/pkg/crypto"
	"mcpgate/pkg/logging"
)

const (
	envPlaceholderPrefix = "env:"
	encPlaceholderPrefix = "enc:gcm:"
)

// resolveSecrets walks the merged tree and substitutes secret
// placeholders in string values:
//
//	env:NAME          -> value of environment variable NAME
//	enc:gcm:<envelope> -> AES-GCM decryption under the config key
//
// A missing env:NAME is fatal in production and an empty-string
// substitution (with a warning) in development.
func resolveSecrets(merged map[string]any, pathPrefix string, env Environment) error {
	key := configKey(merged)

	var walk func(node any, path string) (any, error)
	walk = func(node any, path string) (any, error) {
		switch typed := node.(type) {
		case map[string]any:
			for name, value := range typed {
				resolved, err := walk(value, joinPath(path, name))
				if err != nil {
					return nil, err
				}
				typed[name] = resolved
			}
			return typed, nil
		case []any:
			for i, value := range typed {
				resolved, err := walk(value, path)
				if err != nil {
					return nil, err
				}
				typed[i] = resolved
			}
			return typed, nil
		case string:
			return resolvePlaceholder(typed, path, env, key)
		default:
			return node, nil
		}
	}

	_, err := walk(merged, pathPrefix)
	return err
}

func resolvePlaceholder(value, path string, env Environment, key []byte) (any, error) {
	switch {
	case strings.HasPrefix(value, envPlaceholderPrefix):
		name := strings.TrimPrefix(value, envPlaceholderPrefix)
		resolved, ok := os.LookupEnv(name)
		if !ok {
			if env == EnvProduction {
				return nil, secretError(path, "environment variable "+name+" is not set")
			}
			logging.Warn("Config", "Environment variable %s referenced at %s is not set; substituting empty string", name, path)
			return "", nil
		}
		return resolved, nil

	case strings.HasPrefix(value, encPlaceholderPrefix):
		if key == nil {
			return nil, api.NewError(api.CodeKeyMissing, api.CategoryCrypto,
				"encrypted config value at "+path+" but no config key available")
		}
		plaintext, err := crypto.Decrypt(strings.TrimPrefix(value, encPlaceholderPrefix), key)
		if err != nil {
			return nil, api.WrapError(api.CodeCorruptCiphertext, api.CategoryCrypto,
				"failed to decrypt config value at "+path, err)
		}
		return string(plaintext), nil

	default:
		return value, nil
	}
}

// configKey derives the AES key for enc:gcm: placeholders from the
// environment variable named by security.config_key_env.
func configKey(merged map[string]any) []byte {
	envName := "TOKEN_ENC_KEY"
	if security, ok := merged["security"].(map[string]any); ok {
		if name, ok := security["config_key_env"].(string); ok && name != "" {
			envName = name
		}
	}
	secret := os.Getenv(envName)
	if secret == "" {
		return nil
	}
	return crypto.DeriveKey([]byte(secret))
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
