package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/flydns/internal/core"
)

const (
	// EnvPrefix selects the environment variables that override file keys.
	EnvPrefix = "FLY_"
	// EnvSeparator nests environment keys: FLY_DATA_STORE__SQLITE__FILENAME
	// sets data_store.sqlite.filename.
	EnvSeparator = "__"
)

// DefaultFiles are tried in order; the first one present is loaded.
var DefaultFiles = []string{".fly.yml", ".fly.yaml", ".fly.json"}

// Option customises Load.
type Option func(*loader)

type loader struct {
	files    []string
	explicit bool
	environ  func() []string
}

// WithFile loads path instead of the default file names. Unlike the
// defaults, an explicit file must exist.
func WithFile(path string) Option {
	return func(l *loader) {
		l.files = []string{path}
		l.explicit = true
	}
}

// WithEnviron replaces os.Environ as the source of environment overrides.
func WithEnviron(environ func() []string) Option {
	return func(l *loader) {
		l.environ = environ
	}
}

// Load merges the optional file source with FLY_ environment overrides and
// decodes the result. Malformed sources fail with *core.ConfigError.
func Load(opts ...Option) (*Settings, error) {
	l := &loader{
		files:   DefaultFiles,
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}

	flat := make(map[string]string)
	if err := l.mergeFile(flat); err != nil {
		return nil, err
	}
	l.mergeEnv(flat)
	return decode(flat)
}

// mergeFile flattens the first present file into flat.
func (l *loader) mergeFile(flat map[string]string) error {
	for _, path := range l.files {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && !l.explicit {
				continue
			}
			return &core.ConfigError{Source: path, Err: err}
		}

		var root map[string]any
		if err := yaml.Unmarshal(data, &root); err != nil {
			return &core.ConfigError{Source: path, Err: err}
		}
		if err := flatten("", root, flat); err != nil {
			return &core.ConfigError{Source: path, Err: err}
		}
		return nil
	}
	return nil
}

// mergeEnv overlays FLY_ variables on flat; later sources win.
func (l *loader) mergeEnv(flat map[string]string) {
	for _, kv := range l.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		key = strings.ReplaceAll(key, strings.ToLower(EnvSeparator), ".")
		if key == "" {
			continue
		}
		flat[key] = value
	}
}

// flatten walks a decoded YAML document and writes dotted lower-case keys.
// Null values are treated as absent.
func flatten(prefix string, node map[string]any, flat map[string]string) error {
	for k, v := range node {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch val := v.(type) {
		case nil:
		case map[string]any:
			if err := flatten(key, val, flat); err != nil {
				return err
			}
		case []any:
			return fmt.Errorf("%s: lists are not supported", key)
		default:
			flat[key] = fmt.Sprint(val)
		}
	}
	return nil
}

func decode(flat map[string]string) (*Settings, error) {
	s := Defaults()

	data, err := decodeDataStore(flat)
	if err != nil {
		return nil, err
	}
	s.DataStore = data

	cache, err := decodeCacheStore(flat)
	if err != nil {
		return nil, err
	}
	s.CacheStore = cache

	d := decoder{flat: flat}
	d.str("server.bind", &s.Server.Bind)
	d.integer("server.port", &s.Server.Port)
	d.integer("server.max_in_flight", &s.Server.MaxInFlight)
	d.float("server.max_qps", &s.Server.MaxQPS)
	d.millis("server.query_timeout_ms", &s.Server.QueryTimeout)
	d.millis("server.tcp_idle_timeout_ms", &s.Server.TCPIdleTimeout)
	d.integer("engine.memory_limit_mb", &s.Engine.MemoryLimitMB)
	d.integer("engine.queue_size", &s.Engine.QueueSize)
	d.millis("engine.execution_timeout_ms", &s.Engine.ExecutionTimeout)
	d.millis("engine.store_timeout_ms", &s.Engine.StoreTimeout)
	d.str("resolver.upstream", &s.Resolver.Upstream)
	d.millis("resolver.timeout_ms", &s.Resolver.Timeout)
	d.str("telemetry.otlp_endpoint", &s.Telemetry.OTLPEndpoint)
	d.str("telemetry.service_name", &s.Telemetry.ServiceName)
	if d.err != nil {
		return nil, d.err
	}

	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return nil, &core.ConfigError{Key: "server.port", Err: fmt.Errorf("port %d out of range", s.Server.Port)}
	}
	return s, nil
}

// variant extracts the single backend kind configured under category and
// its fields. It returns an empty kind when the category is absent.
func variant(flat map[string]string, category string) (string, map[string]string, error) {
	if _, ok := flat[category]; ok {
		return "", nil, &core.ConfigError{Key: category, Err: errors.New("must be a mapping of one backend kind")}
	}

	fields := make(map[string]map[string]string)
	for key, value := range flat {
		rest, ok := strings.CutPrefix(key, category+".")
		if !ok {
			continue
		}
		kind, field, _ := strings.Cut(rest, ".")
		if fields[kind] == nil {
			fields[kind] = make(map[string]string)
		}
		if field != "" {
			fields[kind][field] = value
		}
	}

	switch len(fields) {
	case 0:
		return "", nil, nil
	case 1:
		for kind, f := range fields {
			return kind, f, nil
		}
	}

	kinds := make([]string, 0, len(fields))
	for kind := range fields {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return "", nil, &core.ConfigError{
		Key: category,
		Err: fmt.Errorf("conflicting backend kinds %s", strings.Join(kinds, ", ")),
	}
}

func decodeDataStore(flat map[string]string) (DataStore, error) {
	kind, f, err := variant(flat, "data_store")
	if err != nil || kind == "" {
		return nil, err
	}
	switch kind {
	case "sqlite":
		cfg := &SqliteStore{Filename: f["filename"]}
		if err := required("data_store.sqlite.filename", cfg.Filename); err != nil {
			return nil, err
		}
		return cfg, nil
	case "postgres":
		cfg := &PostgresStore{
			URL:          f["url"],
			Database:     f["database"],
			TLSClientCrt: f["tls_client_crt"],
			TLSClientKey: f["tls_client_key"],
			TLSCACrt:     f["tls_ca_crt"],
		}
		if err := required("data_store.postgres.url", cfg.URL); err != nil {
			return nil, err
		}
		if (cfg.TLSClientCrt == "") != (cfg.TLSClientKey == "") {
			return nil, &core.ConfigError{
				Key: "data_store.postgres",
				Err: errors.New("tls_client_crt and tls_client_key must be set together"),
			}
		}
		return cfg, nil
	}
	return nil, &core.ConfigError{Key: "data_store." + kind, Err: errors.New("unknown data store kind")}
}

func decodeCacheStore(flat map[string]string) (CacheStore, error) {
	kind, f, err := variant(flat, "cache_store")
	if err != nil || kind == "" {
		return nil, err
	}
	switch kind {
	case "sqlite":
		cfg := &SqliteStore{Filename: f["filename"]}
		if err := required("cache_store.sqlite.filename", cfg.Filename); err != nil {
			return nil, err
		}
		return cfg, nil
	case "redis":
		cfg := &RedisStore{URL: f["url"], Namespace: f["namespace"]}
		if err := required("cache_store.redis.url", cfg.URL); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, &core.ConfigError{Key: "cache_store." + kind, Err: errors.New("unknown cache store kind")}
}

func required(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return &core.ConfigError{Key: key, Err: errors.New("missing required field")}
	}
	return nil
}

// decoder reads typed scalars out of the flat map, keeping the first error.
type decoder struct {
	flat map[string]string
	err  error
}

func (d *decoder) lookup(key string) (string, bool) {
	if d.err != nil {
		return "", false
	}
	v, ok := d.flat[key]
	return strings.TrimSpace(v), ok
}

func (d *decoder) fail(key string, err error) {
	d.err = &core.ConfigError{Key: key, Err: err}
}

func (d *decoder) str(key string, dst *string) {
	if v, ok := d.lookup(key); ok {
		*dst = v
	}
}

func (d *decoder) integer(key string, dst *int) {
	v, ok := d.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		d.fail(key, fmt.Errorf("invalid integer %q", v))
		return
	}
	*dst = n
}

func (d *decoder) float(key string, dst *float64) {
	v, ok := d.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		d.fail(key, fmt.Errorf("invalid non-negative number %q", v))
		return
	}
	*dst = f
}

func (d *decoder) millis(key string, dst *time.Duration) {
	var n int
	before := d.err
	d.integer(key, &n)
	if d.err != before {
		return
	}
	if _, ok := d.flat[key]; !ok {
		return
	}
	if n <= 0 {
		d.fail(key, fmt.Errorf("must be positive, got %d", n))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}
