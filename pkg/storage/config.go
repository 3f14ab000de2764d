package storage

import "time"

// Config for the persistence backends
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns the default storage configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns: 25,
		PostgresMinConns: 5,
		PostgresTimeout:  10 * time.Second,
		RedisURL:         "redis://localhost:6379/0",
		RedisDB:          -1,
	}
}
