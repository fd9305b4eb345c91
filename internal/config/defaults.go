package config

import "os"

// DetectEnvironment resolves the runtime environment from MASTER_ENV,
// then NODE_ENV, defaulting to development.
func DetectEnvironment() Environment {
	for _, name := range []string{"MASTER_ENV", "NODE_ENV"} {
		switch os.Getenv(name) {
		case "production", "prod":
			return EnvProduction
		case "staging":
			return EnvStaging
		case "test":
			return EnvTest
		case "development", "dev":
			return EnvDevelopment
		}
	}
	return EnvDevelopment
}

// defaultMap returns the built-in defaults as the lowest layer of the
// loading cascade. Kept as a generic map so the file/env/CLI layers can
// deep-merge over it before the final struct decode.
func defaultMap() map[string]any {
	return map[string]any{
		"hosting": map[string]any{
			"platform": "node",
			"port":     3000,
		},
		"routing": map[string]any{
			"loadBalancer": map[string]any{
				"strategy": "round_robin",
			},
			"circuitBreaker": map[string]any{
				"failureThreshold":  5,
				"successThreshold":  2,
				"recoveryTimeoutMs": 30000,
			},
			"retry": map[string]any{
				"maxRetries":    2,
				"baseDelayMs":   250,
				"maxDelayMs":    4000,
				"backoffFactor": 2,
				"jitter":        "full",
				"timeoutMs":     5000,
			},
			"discoveryConcurrency": 16,
			"discoveryTimeoutMs":   5000,
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "plain",
		},
		"security": map[string]any{
			"config_key_env": "TOKEN_ENC_KEY",
			"token_store":    "memory",
		},
	}
}
