package config

// Environment names the runtime environment the gateway runs in.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// AuthStrategy selects how requests to a backend are authenticated.
type AuthStrategy string

const (
	// StrategyMasterOAuth passes the validated client token through.
	StrategyMasterOAuth AuthStrategy = "master_oauth"
	// StrategyDelegateOAuth returns a delegation instruction so the
	// client completes OAuth against the backend's provider.
	StrategyDelegateOAuth AuthStrategy = "delegate_oauth"
	// StrategyBypassAuth forwards without credentials.
	StrategyBypassAuth AuthStrategy = "bypass_auth"
	// StrategyProxyOAuth injects a stored (and refreshed) backend token.
	StrategyProxyOAuth AuthStrategy = "proxy_oauth"
)

// ServerType describes how a backend is sourced. The gateway reaches
// all of them over HTTP; the type is metadata for operators and
// validation.
type ServerType string

const (
	ServerTypeGit    ServerType = "git"
	ServerTypeNpm    ServerType = "npm"
	ServerTypePypi   ServerType = "pypi"
	ServerTypeDocker ServerType = "docker"
	ServerTypeLocal  ServerType = "local"
)

// MasterConfig is the immutable configuration snapshot the gateway runs
// from. Hot-reload builds a fresh snapshot and swaps it in whole.
type MasterConfig struct {
	MasterOAuth MasterOAuthConfig `yaml:"master_oauth" json:"master_oauth"`
	Servers     []ServerConfig    `yaml:"servers" json:"servers"`
	Delegation  DelegationConfig  `yaml:"delegation" json:"delegation"`
	Hosting     HostingConfig     `yaml:"hosting" json:"hosting"`
	Routing     RoutingConfig     `yaml:"routing" json:"routing"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Security    SecurityConfig    `yaml:"security" json:"security"`
}

// MasterOAuthConfig configures the gateway's own OAuth client: the
// provider clients use for master-token validation and the default
// redirect target of the flow controller.
type MasterOAuthConfig struct {
	AuthorizationEndpoint string   `yaml:"authorization_endpoint" json:"authorization_endpoint"`
	TokenEndpoint         string   `yaml:"token_endpoint" json:"token_endpoint"`
	ClientID              string   `yaml:"client_id" json:"client_id"`
	ClientSecret          string   `yaml:"client_secret" json:"client_secret"`
	RedirectURI           string   `yaml:"redirect_uri" json:"redirect_uri"`
	Scopes                []string `yaml:"scopes" json:"scopes"`
	Issuer                string   `yaml:"issuer" json:"issuer"`
	JWKSURI               string   `yaml:"jwks_uri" json:"jwks_uri"`
	Audience              string   `yaml:"audience" json:"audience"`
}

// ServerConfig declares one backend MCP server.
type ServerConfig struct {
	ID           string            `yaml:"id" json:"id"`
	Type         ServerType        `yaml:"type" json:"type"`
	Source       string            `yaml:"source" json:"source"`
	AuthStrategy AuthStrategy      `yaml:"auth_strategy" json:"auth_strategy"`
	AuthConfig   *AuthConfig       `yaml:"auth_config" json:"auth_config"`
	Env          map[string]string `yaml:"env" json:"env"`
	Port         int               `yaml:"port" json:"port"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint"`
	Instances    []InstanceConfig  `yaml:"instances" json:"instances"`
}

// InstanceConfig declares one instance of a backend. When a server
// declares none, a default instance is synthesized from its endpoint.
type InstanceConfig struct {
	ID     string  `yaml:"id" json:"id"`
	URL    string  `yaml:"url" json:"url"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// AuthConfig holds the per-backend OAuth client settings used by the
// delegate and proxy strategies.
type AuthConfig struct {
	Provider              string   `yaml:"provider" json:"provider"`
	ClientID              string   `yaml:"client_id" json:"client_id"`
	ClientSecret          string   `yaml:"client_secret" json:"client_secret"`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint" json:"authorization_endpoint"`
	TokenEndpoint         string   `yaml:"token_endpoint" json:"token_endpoint"`
	UserinfoEndpoint      string   `yaml:"userinfo_endpoint" json:"userinfo_endpoint"`
	JWKSURI               string   `yaml:"jwks_uri" json:"jwks_uri"`
	Issuer                string   `yaml:"issuer" json:"issuer"`
	Scopes                []string `yaml:"scopes" json:"scopes"`
	// Fallback controls proxy_oauth behavior when no backend token can
	// be obtained: "passthrough" forwards the master token (degraded),
	// "fail" rejects the call.
	Fallback string `yaml:"fallback" json:"fallback"`
}

// DelegationConfig tunes delegation results.
type DelegationConfig struct {
	DefaultScopes []string `yaml:"default_scopes" json:"default_scopes"`
}

// HostingConfig describes where the gateway is hosted. Port, platform
// and base URL changes require a restart.
type HostingConfig struct {
	Platform string `yaml:"platform" json:"platform"`
	Port     int    `yaml:"port" json:"port"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
}

// RoutingConfig tunes the resilience plane.
type RoutingConfig struct {
	LoadBalancer   LoadBalancerConfig   `yaml:"loadBalancer" json:"loadBalancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	// Failover tries the next eligible instance after retries against
	// the first are exhausted.
	Failover *bool `yaml:"failover" json:"failover"`
	// DiscoveryConcurrency bounds the aggregator's fan-out.
	DiscoveryConcurrency int `yaml:"discoveryConcurrency" json:"discoveryConcurrency"`
	// DiscoveryTimeoutMs bounds each backend's discovery round-trip.
	DiscoveryTimeoutMs int `yaml:"discoveryTimeoutMs" json:"discoveryTimeoutMs"`
}

// LoadBalancerConfig selects the instance-selection strategy.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy" json:"strategy"`
}

// CircuitBreakerConfig tunes the per-instance circuits.
type CircuitBreakerConfig struct {
	FailureThreshold  int `yaml:"failureThreshold" json:"failureThreshold"`
	SuccessThreshold  int `yaml:"successThreshold" json:"successThreshold"`
	RecoveryTimeoutMs int `yaml:"recoveryTimeoutMs" json:"recoveryTimeoutMs"`
}

// RetryConfig tunes the retry engine.
type RetryConfig struct {
	MaxRetries    int      `yaml:"maxRetries" json:"maxRetries"`
	BaseDelayMs   int      `yaml:"baseDelayMs" json:"baseDelayMs"`
	MaxDelayMs    int      `yaml:"maxDelayMs" json:"maxDelayMs"`
	BackoffFactor float64  `yaml:"backoffFactor" json:"backoffFactor"`
	Jitter        string   `yaml:"jitter" json:"jitter"`
	RetryOn       []string `yaml:"retryOn" json:"retryOn"`
	TimeoutMs     int      `yaml:"timeoutMs" json:"timeoutMs"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// SecurityConfig holds the crypto and token-store settings.
type SecurityConfig struct {
	// ConfigKeyEnv names the environment variable carrying the token
	// encryption key.
	ConfigKeyEnv string `yaml:"config_key_env" json:"config_key_env"`
	// AllowInsecureOAuth permits http:// OAuth endpoints. Development
	// only.
	AllowInsecureOAuth bool `yaml:"allow_insecure_oauth" json:"allow_insecure_oauth"`
	// TokenStore selects the persistence backend: "memory" or "redis".
	TokenStore string      `yaml:"token_store" json:"token_store"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig locates the optional redis token backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// FailoverEnabled resolves the failover flag: explicit value wins,
// otherwise on in production, off elsewhere.
func (r *RoutingConfig) FailoverEnabled(env Environment) bool {
	if r.Failover != nil {
		return *r.Failover
	}
	return env == EnvProduction
}
