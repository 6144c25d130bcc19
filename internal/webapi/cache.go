package webapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// storeResult is the JSON envelope returned by the store bridge functions.
type storeResult struct {
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

func marshalResult(found bool, value string) (string, error) {
	data, err := json.Marshal(storeResult{Found: found, Value: value})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// storeContext bounds a single store call.
func storeContext(cfg core.EngineConfig) (context.Context, context.CancelFunc) {
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// fly.cache. Each call runs synchronously against the store and is exposed
// to scripts as a Promise.
const cacheJS = `
(function() {
	function call(fn) {
		return new Promise(function(resolve, reject) {
			try { resolve(fn()); } catch (e) { reject(e); }
		});
	}
	globalThis.fly = globalThis.fly || {};
	globalThis.fly.cache = Object.freeze({
		get: function(key) {
			return call(function() {
				var r = JSON.parse(__cacheGet(String(key)));
				return r.found ? r.value : null;
			});
		},
		set: function(key, value, ttl) {
			return call(function() {
				var v = typeof value === 'string' ? value : JSON.stringify(value);
				return __cacheSet(String(key), String(v), ttl === undefined ? '' : String(ttl));
			});
		},
		del: function(key) {
			return call(function() { return __cacheDel(String(key)); });
		},
	});
})();
`

var errNoCacheStore = errors.New("no cache store configured")

// SetupCache installs fly.cache backed by store. A nil store leaves the
// API installed with every call rejecting.
func SetupCache(rt core.ScriptHost, _ *eventloop.EventLoop, cfg core.EngineConfig, store core.CacheStore) error {
	if err := rt.Expose("__cacheGet", func(key string) (string, error) {
		if store == nil {
			return "", errNoCacheStore
		}
		ctx, cancel := storeContext(cfg)
		defer cancel()
		value, found, err := store.Get(ctx, key)
		if err != nil {
			return "", err
		}
		return marshalResult(found, value)
	}); err != nil {
		return err
	}

	if err := rt.Expose("__cacheSet", func(key, value, ttl string) (bool, error) {
		if store == nil {
			return false, errNoCacheStore
		}
		var d time.Duration
		if ttl != "" {
			secs, err := strconv.ParseFloat(ttl, 64)
			if err != nil || secs < 0 {
				return false, fmt.Errorf("invalid ttl %q", ttl)
			}
			d = time.Duration(secs * float64(time.Second))
		}
		ctx, cancel := storeContext(cfg)
		defer cancel()
		if err := store.Set(ctx, key, value, d); err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return err
	}

	if err := rt.Expose("__cacheDel", func(key string) (bool, error) {
		if store == nil {
			return false, errNoCacheStore
		}
		ctx, cancel := storeContext(cfg)
		defer cancel()
		return store.Delete(ctx, key)
	}); err != nil {
		return err
	}

	return rt.Eval(cacheJS)
}
