package config

import (
	"fmt"
	"net/url"
)

var validStrategies = map[AuthStrategy]bool{
	StrategyMasterOAuth:   true,
	StrategyDelegateOAuth: true,
	StrategyBypassAuth:    true,
	StrategyProxyOAuth:    true,
}

var validServerTypes = map[ServerType]bool{
	ServerTypeGit:    true,
	ServerTypeNpm:    true,
	ServerTypePypi:   true,
	ServerTypeDocker: true,
	ServerTypeLocal:  true,
}

var validLBStrategies = map[string]bool{
	"round_robin": true,
	"weighted":    true,
	"health":      true,
}

// Validate checks a decoded snapshot against the schema rules the
// loader cannot express structurally: enums, uniqueness, URL formats,
// positive ports, and the cross-field auth rule.
func Validate(cfg *MasterConfig) error {
	if cfg.Hosting.Port <= 0 || cfg.Hosting.Port > 65535 {
		return schemaError("hosting.port", fmt.Sprintf("invalid port %d", cfg.Hosting.Port), "ports must be in 1..65535")
	}
	if cfg.Hosting.BaseURL != "" {
		if err := validateURL("hosting.base_url", cfg.Hosting.BaseURL); err != nil {
			return err
		}
	}

	if lb := cfg.Routing.LoadBalancer.Strategy; lb != "" && !validLBStrategies[lb] {
		return schemaError("routing.loadBalancer.strategy", fmt.Sprintf("unknown strategy %q", lb),
			"one of round_robin, weighted, health")
	}
	if cfg.Routing.Retry.MaxRetries < 0 {
		return schemaError("routing.retry.maxRetries", "must not be negative", "")
	}
	if cb := cfg.Routing.CircuitBreaker; cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.RecoveryTimeoutMs < 0 {
		return schemaError("routing.circuitBreaker", "thresholds must not be negative", "")
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for i, server := range cfg.Servers {
		path := fmt.Sprintf("servers[%d]", i)
		if server.ID == "" {
			return schemaError(path+".id", "server id is required", "")
		}
		if seen[server.ID] {
			return schemaError(path+".id", fmt.Sprintf("duplicate server id %q", server.ID),
				"every server id must be unique")
		}
		seen[server.ID] = true

		if server.Type != "" && !validServerTypes[server.Type] {
			return schemaError(path+".type", fmt.Sprintf("unknown server type %q", server.Type),
				"one of git, npm, pypi, docker, local")
		}
		if server.Port < 0 {
			return schemaError(path+".port", "port must be positive when set", "")
		}
		if server.Endpoint == "" && len(server.Instances) == 0 {
			return schemaError(path+".endpoint", "server declares neither an endpoint nor instances",
				"set endpoint or at least one instance url")
		}
		if server.Endpoint != "" {
			if err := validateURL(path+".endpoint", server.Endpoint); err != nil {
				return err
			}
		}
		for j, instance := range server.Instances {
			if err := validateURL(fmt.Sprintf("%s.instances[%d].url", path, j), instance.URL); err != nil {
				return err
			}
			if instance.Weight < 0 {
				return schemaError(fmt.Sprintf("%s.instances[%d].weight", path, j), "weight must not be negative", "")
			}
		}

		strategy := server.AuthStrategy
		if strategy == "" {
			strategy = StrategyMasterOAuth
		}
		if !validStrategies[strategy] {
			return schemaError(path+".auth_strategy", fmt.Sprintf("unknown auth strategy %q", strategy),
				"one of master_oauth, delegate_oauth, bypass_auth, proxy_oauth")
		}
		// Cross-field rule: non-bypass strategies on non-local servers
		// need an auth_config, except master_oauth which rides the
		// gateway's own client configuration.
		if strategy != StrategyBypassAuth && strategy != StrategyMasterOAuth &&
			server.Type != ServerTypeLocal && server.AuthConfig == nil {
			return schemaError(path+".auth_config",
				fmt.Sprintf("auth_config is required for strategy %q", strategy),
				"add auth_config or switch to bypass_auth/master_oauth")
		}
		if server.AuthConfig != nil && server.AuthConfig.Fallback != "" &&
			server.AuthConfig.Fallback != "passthrough" && server.AuthConfig.Fallback != "fail" {
			return schemaError(path+".auth_config.fallback",
				fmt.Sprintf("unknown fallback %q", server.AuthConfig.Fallback),
				"one of passthrough, fail")
		}
	}

	if jitter := cfg.Routing.Retry.Jitter; jitter != "" && jitter != "none" && jitter != "full" {
		return schemaError("routing.retry.jitter", fmt.Sprintf("unknown jitter %q", jitter), "one of none, full")
	}

	if ts := cfg.Security.TokenStore; ts != "" && ts != "memory" && ts != "redis" {
		return schemaError("security.token_store", fmt.Sprintf("unknown token store %q", ts), "one of memory, redis")
	}
	if cfg.Security.TokenStore == "redis" && cfg.Security.Redis.Addr == "" {
		return schemaError("security.redis.addr", "redis token store requires an address", "")
	}

	return nil
}

func validateURL(path, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return schemaError(path, fmt.Sprintf("invalid url %q", raw), "must be an absolute http(s) url")
	}
	return nil
}
