package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
// Scalar runtime settings live here; adapter, provider, and moderation
// definitions live in the gateway config file (see ai/config).
type Profile struct {
	// Mode can be "prod", "dev" or "demo".
	Mode string
	// Addr is the binding address for the server.
	Addr string
	// Port is the binding port for the server.
	Port int
	// Data is the data directory.
	Data string
	// Driver is the database driver for the admin/session store: sqlite, postgres.
	Driver string
	// DSN points to the admin/session store.
	DSN string
	// ConfigFile is the path to the gateway config file (adapters, providers, moderation).
	ConfigFile string
	// Secret signs the admin-plane JWT access tokens.
	Secret string
	// AuthDisabled turns off X-API-Key enforcement on /chat. Dev only.
	AuthDisabled bool
	// Strict makes unreachable critical dependencies at startup fatal (exit code 2).
	Strict bool
	// Version is the current server version.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// FromEnv applies the whitelisted ORBIT_* environment overrides.
// Unknown environment variables are ignored.
func (p *Profile) FromEnv() {
	p.Driver = getEnvOrDefault("ORBIT_DRIVER", p.Driver)
	p.DSN = getEnvOrDefault("ORBIT_DSN", p.DSN)
	p.ConfigFile = getEnvOrDefault("ORBIT_CONFIG", p.ConfigFile)
	p.Secret = getEnvOrDefault("ORBIT_SECRET", p.Secret)
	p.AuthDisabled = getEnvOrDefaultBool("ORBIT_AUTH_DISABLED", p.AuthDisabled)
	p.Strict = getEnvOrDefaultBool("ORBIT_STRICT", p.Strict)
}

// Validate checks the profile and normalizes derived fields.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/orbit"
	}

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported store driver %q", p.Driver)
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "invalid data directory")
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(p.Data, fmt.Sprintf("orbit_%s.db", p.Mode))
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for postgres driver")
	}

	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}

	if p.Secret == "" {
		if p.Mode == "prod" {
			return errors.New("secret is required in prod mode")
		}
		p.Secret = "orbit-dev-secret"
	}

	return nil
}

func checkDataDir(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = "."
	}

	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return "", errors.Wrapf(err, "unable to resolve data directory %q", dataDir)
	}
	absDir = strings.TrimRight(absDir, "/")

	if fi, err := os.Stat(absDir); err != nil || !fi.IsDir() {
		return "", errors.Errorf("data directory %q does not exist", absDir)
	}
	return absDir, nil
}
