// Package settings loads the layered, typed configuration snapshot that
// decides which storage backends the script runtime may use.
package settings

import "time"

// Settings is the immutable configuration snapshot built once at startup.
type Settings struct {
	DataStore  DataStore  // nil when no data store is configured
	CacheStore CacheStore // nil when no cache store is configured
	Server     Server
	Engine     Engine
	Resolver   Resolver
	Telemetry  Telemetry
}

// DataStore is the closed set of backends for fly.data:
// *SqliteStore or *PostgresStore.
type DataStore interface {
	Kind() string
	dataStore()
}

// CacheStore is the closed set of backends for fly.cache:
// *SqliteStore or *RedisStore.
type CacheStore interface {
	Kind() string
	cacheStore()
}

// SqliteStore keeps data in a local SQLite file.
type SqliteStore struct {
	Filename string
}

func (*SqliteStore) Kind() string { return "sqlite" }
func (*SqliteStore) dataStore()   {}
func (*SqliteStore) cacheStore()  {}

// PostgresStore keeps data in a PostgreSQL database.
type PostgresStore struct {
	URL          string
	Database     string // overrides the database named in URL
	TLSClientCrt string // PEM file
	TLSClientKey string // PEM file
	TLSCACrt     string // PEM file
}

func (*PostgresStore) Kind() string { return "postgres" }
func (*PostgresStore) dataStore()   {}

// RedisStore keeps cache entries in Redis.
type RedisStore struct {
	URL       string
	Namespace string // key prefix, joined with ":"
}

func (*RedisStore) Kind() string { return "redis" }
func (*RedisStore) cacheStore()  {}

// Server configures the DNS listeners.
type Server struct {
	Bind           string
	Port           int // 0 defers to the command line / DefaultPort
	MaxInFlight    int
	MaxQPS         float64 // 0 disables rate limiting
	QueryTimeout   time.Duration
	TCPIdleTimeout time.Duration
}

// Engine configures the script runtime.
type Engine struct {
	MemoryLimitMB    int
	QueueSize        int
	ExecutionTimeout time.Duration
	StoreTimeout     time.Duration
}

// Resolver configures upstream lookups made by resolv().
type Resolver struct {
	Upstream string
	Timeout  time.Duration
}

// Telemetry configures metric export. An empty endpoint disables export.
type Telemetry struct {
	OTLPEndpoint string
	ServiceName  string
}

// DefaultPort is the DNS port used when neither the command line nor the
// configuration names one.
const DefaultPort = 8053

// Defaults returns the snapshot produced by empty sources.
func Defaults() *Settings {
	return &Settings{
		Server: Server{
			Bind:           "127.0.0.1",
			MaxInFlight:    256,
			QueryTimeout:   5 * time.Second,
			TCPIdleTimeout: 10 * time.Second,
		},
		Engine: Engine{
			QueueSize:        1024,
			ExecutionTimeout: 5 * time.Second,
			StoreTimeout:     2 * time.Second,
		},
		Resolver: Resolver{
			Upstream: "8.8.8.8:53",
			Timeout:  2 * time.Second,
		},
		Telemetry: Telemetry{
			ServiceName: "flydns",
		},
	}
}
