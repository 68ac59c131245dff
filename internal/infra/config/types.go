package config

import "strings"

// Environment identifies the runtime environment the client targets.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageKind selects the backend used for remembered sessions.
type StorageKind string

const (
	// StorageMemory keeps remembered sessions for the process lifetime only.
	StorageMemory StorageKind = "memory"
	// StorageSQLite persists remembered sessions in a local sqlite file.
	StorageSQLite StorageKind = "sqlite"
	// StoragePostgres persists remembered sessions in PostgreSQL.
	StoragePostgres StorageKind = "postgres"
)

func normalizeEnvironment(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "dev", "development":
		return EnvDev
	case "staging", "stage":
		return EnvStaging
	case "prod", "production":
		return EnvProd
	default:
		return Environment(strings.ToLower(strings.TrimSpace(raw)))
	}
}

func normalizeStorageKind(raw StorageKind) StorageKind {
	kind := StorageKind(strings.ToLower(strings.TrimSpace(string(raw))))
	if kind == "" {
		return StorageSQLite
	}
	return kind
}
