package core

import (
	"log/slog"
	"time"
)

// EngineConfig holds runtime configuration for the script engine.
type EngineConfig struct {
	MemoryLimitMB  int           // engine heap limit, 0 for the engine default
	StoreTimeout   time.Duration // per call into fly.cache / fly.data
	Upstream       string        // resolver used by resolv()
	ResolveTimeout time.Duration // per upstream exchange
}

// Bindings are the host resources exposed to scripts. Nil stores leave the
// matching fly.* API installed but rejecting every call.
type Bindings struct {
	Data   DataStore
	Cache  CacheStore
	Logger *slog.Logger
}
