package firelite

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadConfig and Connect.
const (
	EnvProjectID    = "FIRESTORE_PROJECT_ID"
	EnvDatabaseID   = "FIRESTORE_DATABASE_ID"
	EnvEmulatorHost = "FIRESTORE_EMULATOR_HOST"
)

// LoadConfig reads a YAML config file and overlays the
// environment on top of it: FIRESTORE_DATABASE_ID and
// FIRESTORE_EMULATOR_HOST replace file values, and
// FIRESTORE_PROJECT_ID is used when the file names no
// project. An empty path skips the file.
//
// Example file:
//
//	project_id: my-project
//	database_id: (default)
//	emulator_host: localhost:8080
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "firelite: reading config %s", path)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "firelite: parsing config %s", path)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

// an explicit project id is never replaced
func (cfg *Config) applyEnv() {
	if v := os.Getenv(EnvProjectID); v != "" && cfg.ProjectID == "" {
		cfg.ProjectID = v
	}

	if v := os.Getenv(EnvDatabaseID); v != "" {
		cfg.DatabaseID = v
	}

	if v := os.Getenv(EnvEmulatorHost); v != "" {
		cfg.EmulatorHost = v
	}
}
