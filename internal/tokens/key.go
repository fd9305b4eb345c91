package tokens

import (
	"os"

	"mcpgate/internal/api"
	"mcpgate/pkg/crypto"
	"mcpgate/pkg/logging"
)

// DefaultKeyEnv is the environment variable consulted for the token
// encryption key when the configuration does not name another one.
const DefaultKeyEnv = "TOKEN_ENC_KEY"

// ResolveKey loads the process-wide token encryption key from the named
// environment variable.
//
// In production a missing key is fatal: tokens must never be persisted
// under a key that does not survive restarts. In development a random
// ephemeral key is generated and a single warning logged; stored tokens
// then do not survive a restart.
func ResolveKey(envName string, production bool) ([]byte, error) {
	if envName == "" {
		envName = DefaultKeyEnv
	}

	if secret := os.Getenv(envName); secret != "" {
		return crypto.DeriveKey([]byte(secret)), nil
	}

	if production {
		return nil, api.NewError(api.CodeKeyMissing, api.CategoryCrypto,
			"token encryption key is required in production: set "+envName)
	}

	key, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	logging.Warn("TokenStore",
		"%s is not set; using an ephemeral key, stored tokens will not survive a restart", envName)
	return key, nil
}
