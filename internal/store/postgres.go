package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryguy/flydns/internal/settings"
)

const (
	pgDataGetSQL    = `SELECT value::text FROM fly_data WHERE collection = $1 AND key = $2;`
	pgDataDeleteSQL = `DELETE FROM fly_data WHERE collection = $1 AND key = $2;`
	pgDataUpsertSQL = `
INSERT INTO fly_data (collection, key, value, updated_at)
VALUES ($1, $2, $3::jsonb, NOW())
ON CONFLICT (collection, key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
)

// PostgresData is a core.DataStore on a PostgreSQL table with a jsonb value
// column.
type PostgresData struct {
	pool *pgxpool.Pool
}

// NewPostgresData wraps an existing pool. The schema must already be
// migrated.
func NewPostgresData(pool *pgxpool.Pool) *PostgresData {
	return &PostgresData{pool: pool}
}

// poolConfig builds a pgxpool configuration from the settings, applying the
// database override and client certificates.
func poolConfig(cfg settings.PostgresStore) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	if cfg.Database != "" {
		pc.ConnConfig.Database = cfg.Database
	}
	if cfg.TLSClientCrt == "" && cfg.TLSCACrt == "" {
		return pc, nil
	}

	tlsCfg := pc.ConnConfig.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: pc.ConnConfig.Host}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if cfg.TLSClientCrt != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCrt, cfg.TLSClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading postgres client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.TLSCACrt != "" {
		pem, err := os.ReadFile(cfg.TLSCACrt)
		if err != nil {
			return nil, fmt.Errorf("reading postgres CA certificate: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCACrt)
		}
		// A CA file means the server is verified against it, host name
		// included, whatever sslmode asked for.
		tlsCfg.RootCAs = roots
		tlsCfg.InsecureSkipVerify = false
		tlsCfg.VerifyPeerCertificate = nil
		tlsCfg.ServerName = pc.ConnConfig.Host
	}
	pc.ConnConfig.TLSConfig = tlsCfg
	pc.ConnConfig.Fallbacks = nil
	return pc, nil
}

func (s *PostgresData) Get(ctx context.Context, collection, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, pgDataGetSQL, collection, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("data get %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

func (s *PostgresData) Put(ctx context.Context, collection, key, value string) error {
	if _, err := s.pool.Exec(ctx, pgDataUpsertSQL, collection, key, value); err != nil {
		return fmt.Errorf("data put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *PostgresData) Delete(ctx context.Context, collection, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgDataDeleteSQL, collection, key)
	if err != nil {
		return false, fmt.Errorf("data delete %s/%s: %w", collection, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresData) Close() error {
	s.pool.Close()
	return nil
}
