package webapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// fly.data.collection(name) returns a handle whose values round-trip
// through JSON.
const dataJS = `
(function() {
	function call(fn) {
		return new Promise(function(resolve, reject) {
			try { resolve(fn()); } catch (e) { reject(e); }
		});
	}
	function Collection(name) {
		this.name = name;
	}
	Collection.prototype.get = function(key) {
		var name = this.name;
		return call(function() {
			var r = JSON.parse(__dataGet(name, String(key)));
			return r.found ? JSON.parse(r.value) : null;
		});
	};
	Collection.prototype.put = function(key, value) {
		var name = this.name;
		return call(function() {
			if (value === undefined) throw new TypeError('fly.data: value must not be undefined');
			return __dataPut(name, String(key), JSON.stringify(value));
		});
	};
	Collection.prototype.del = function(key) {
		var name = this.name;
		return call(function() { return __dataDel(name, String(key)); });
	};
	globalThis.fly = globalThis.fly || {};
	globalThis.fly.data = Object.freeze({
		collection: function(name) {
			if (typeof name !== 'string' || name === '') throw new TypeError('collection name must be a non-empty string');
			return new Collection(name);
		},
	});
})();
`

var errNoDataStore = errors.New("no data store configured")

// maxCollectionName bounds collection names so they fit store key columns.
const maxCollectionName = 128

func validateCollection(name string) error {
	if name == "" || len(name) > maxCollectionName {
		return fmt.Errorf("invalid collection name %q", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("collection name contains null byte")
	}
	return nil
}

// SetupData installs fly.data backed by store. A nil store leaves the API
// installed with every call rejecting.
func SetupData(rt core.ScriptHost, _ *eventloop.EventLoop, cfg core.EngineConfig, store core.DataStore) error {
	if err := rt.Expose("__dataGet", func(collection, key string) (string, error) {
		if store == nil {
			return "", errNoDataStore
		}
		if err := validateCollection(collection); err != nil {
			return "", err
		}
		ctx, cancel := storeContext(cfg)
		defer cancel()
		value, found, err := store.Get(ctx, collection, key)
		if err != nil {
			return "", err
		}
		return marshalResult(found, value)
	}); err != nil {
		return err
	}

	if err := rt.Expose("__dataPut", func(collection, key, value string) (bool, error) {
		if store == nil {
			return false, errNoDataStore
		}
		if err := validateCollection(collection); err != nil {
			return false, err
		}
		if !json.Valid([]byte(value)) {
			return false, fmt.Errorf("value for %s/%s is not valid JSON", collection, key)
		}
		ctx, cancel := storeContext(cfg)
		defer cancel()
		if err := store.Put(ctx, collection, key, value); err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return err
	}

	if err := rt.Expose("__dataDel", func(collection, key string) (bool, error) {
		if store == nil {
			return false, errNoDataStore
		}
		if err := validateCollection(collection); err != nil {
			return false, err
		}
		ctx, cancel := storeContext(cfg)
		defer cancel()
		return store.Delete(ctx, collection, key)
	}); err != nil {
		return err
	}

	return rt.Eval(dataJS)
}
