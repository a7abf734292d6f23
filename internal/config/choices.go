package config

import "strings"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ValidStoreBackends contains the supported queue/profile stores.
var ValidStoreBackends = []string{
	BackendSQLite, // single host, file next to the backlog
	BackendRedis,  // shared by dispatchers on several hosts
}

// ValidLogLevels contains the accepted log_level values.
var ValidLogLevels = []string{"debug", "info", "warn", "warning", "error"}

// IsValidStoreBackend returns true if the backend name is supported.
func IsValidStoreBackend(backend string) bool {
	for _, valid := range ValidStoreBackends {
		if backend == valid {
			return true
		}
	}
	return false
}

// IsValidLogLevel returns true if the level is understood by logger.SetLevel.
func IsValidLogLevel(level string) bool {
	level = strings.ToLower(level)
	for _, valid := range ValidLogLevels {
		if level == valid {
			return true
		}
	}
	return false
}
