package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// InitConfig creates a sample configuration file at the default
// location. Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath creates a sample configuration file at the given
// path. Fails if the file exists unless force is set.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}

	cfg := GetDefaultConfig()

	// Development-grade random secrets. Production deployments should
	// replace these via RELAYMESH_INSTANCE_SECRET and
	// RELAYMESH_SIGNING_CURRENT.
	cfg.Instance.URL = "http://localhost:8080"
	cfg.Instance.Secret = randomHex(32)
	cfg.Signing.Current = randomHex(32)
	cfg.Queue.WebhookBase = "http://localhost:9080"

	return SaveConfig(cfg, path)
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
