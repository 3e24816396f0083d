// Package config materializes the bridge configuration from viper-bound
// environment variables, command flags and mounted secret files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the deployment-facing settings.
const (
	DefaultPort           = 8000
	DefaultAppRoot        = "/wopib"
	DefaultSecretsDir     = "/var/run/secrets"
	DefaultSaveInterval   = 200
	DefaultUnlockInterval = 90
)

// Names of the secret files mounted under the secrets directory.
const (
	secretFile = "wbsecret"
	certFile   = "cert.pem"
)

// Config is the runtime configuration of the bridge process.
type Config struct {
	Port           int
	AppRoot        string
	SecretsDir     string
	SaveInterval   time.Duration
	UnlockInterval time.Duration
	SkipTLSVerify  bool
	HashSecret     string
	CertFile       string
	KeyFile        string
	CodiMDURL      string
	CodiMDExtURL   string
}

// Load materializes the configuration. Flag bindings live with the serve
// command; the environment bindings and defaults are applied here so a
// bare Load works in any entry point. A missing hash secret or a
// nonsensical interval aborts the startup.
func Load() (*Config, error) {
	viper.SetDefault("port", DefaultPort)
	viper.SetDefault("app-root", DefaultAppRoot)
	viper.SetDefault("secrets-dir", DefaultSecretsDir)
	viper.SetDefault("save-interval", DefaultSaveInterval)
	viper.SetDefault("unlock-interval", DefaultUnlockInterval)
	for key, env := range map[string]string{
		"app-root":        "APP_ROOT",
		"save-interval":   "APP_SAVE_INTERVAL",
		"unlock-interval": "APP_UNLOCK_INTERVAL",
		"skip-ssl-verify": "SKIP_SSL_VERIFY",
		"codimd-url":      "CODIMD_URL",
		"codimd-ext-url":  "CODIMD_EXT_URL",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	cfg := &Config{
		Port:          viper.GetInt("port"),
		AppRoot:       normalizeRoot(viper.GetString("app-root")),
		SecretsDir:    viper.GetString("secrets-dir"),
		SkipTLSVerify: parseSkipTLSVerify(viper.GetString("skip-ssl-verify")),
		CodiMDURL:     viper.GetString("codimd-url"),
		CodiMDExtURL:  viper.GetString("codimd-ext-url"),
	}

	saveSeconds := viper.GetInt("save-interval")
	if saveSeconds <= 0 {
		return nil, fmt.Errorf("invalid APP_SAVE_INTERVAL %q", viper.GetString("save-interval"))
	}
	cfg.SaveInterval = time.Duration(saveSeconds) * time.Second

	unlockSeconds := viper.GetInt("unlock-interval")
	if unlockSeconds <= 0 {
		return nil, fmt.Errorf("invalid APP_UNLOCK_INTERVAL %q", viper.GetString("unlock-interval"))
	}
	cfg.UnlockInterval = time.Duration(unlockSeconds) * time.Second

	secret, err := readSecret(filepath.Join(cfg.SecretsDir, secretFile))
	if err != nil {
		return nil, err
	}
	cfg.HashSecret = secret

	// TLS is enabled iff the certificate was mounted
	certPath := filepath.Join(cfg.SecretsDir, certFile)
	if _, err := os.Stat(certPath); err == nil {
		cfg.CertFile = certPath
		cfg.KeyFile = filepath.Join(cfg.SecretsDir, strings.Replace(certFile, "cert", "key", 1))
	}
	return cfg, nil
}

// readSecret returns the first line of a mounted secret file.
func readSecret(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", path, err)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return line, nil
}

// parseSkipTLSVerify honors the TRUE/YES deployment contract, case
// insensitively; anything else keeps certificate verification on.
func parseSkipTLSVerify(raw string) bool {
	switch strings.ToUpper(raw) {
	case "TRUE", "YES":
		return true
	default:
		return false
	}
}

// normalizeRoot guarantees a leading slash and no trailing slash so the
// router can mount the tree and callers can append paths safely.
func normalizeRoot(root string) string {
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	root = strings.TrimRight(root, "/")
	if root == "" {
		return "/"
	}
	return root
}
