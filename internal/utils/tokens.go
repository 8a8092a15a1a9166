package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var apiKeys struct {
	sync.RWMutex
	limits map[string]int
}

var keyDB struct {
	sync.Mutex
	dsn string
	db  *sql.DB
}

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that the key store has not been loaded
	// yet, typically because the database was not reachable at startup.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

const (
	apiKeysDDL = `CREATE TABLE IF NOT EXISTS api_keys (
		token TEXT PRIMARY KEY,
		rate_limit INTEGER NOT NULL DEFAULT 30,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at TIMESTAMPTZ,
		comment TEXT
	);`
	apiKeysQuery = `SELECT token, rate_limit FROM api_keys WHERE revoked_at IS NULL;`
)

func postgresDSN(cfg PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	switch {
	case cfg.Host == "":
		return "", errors.New("postgres host is empty")
	case cfg.Database == "":
		return "", errors.New("postgres database is empty")
	case cfg.User == "":
		return "", errors.New("postgres user is empty")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	hostPort := cfg.Host
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	case strings.Count(hostPort, ":") >= 2:
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	if cfg.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func openKeyDB(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	keyDB.Lock()
	defer keyDB.Unlock()

	if keyDB.db != nil && keyDB.dsn == dsn {
		return keyDB.db, nil
	}
	if keyDB.db != nil {
		_ = keyDB.db.Close()
		keyDB.db, keyDB.dsn = nil, ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Low-traffic control table; a handful of connections is plenty.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(3)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	keyDB.db, keyDB.dsn = db, dsn
	return db, nil
}

// loadKeys creates the api_keys table if needed and returns all active keys.
func loadKeys(ctx context.Context, db *sql.DB) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, apiKeysDDL); err != nil {
		return nil, fmt.Errorf("ensure api_keys schema: %w", err)
	}

	rows, err := db.QueryContext(ctx, apiKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("query api_keys: %w", err)
	}
	defer rows.Close()

	limits := make(map[string]int)
	for rows.Next() {
		var token string
		var limit int
		if err := rows.Scan(&token, &limit); err != nil {
			return nil, err
		}
		limits[token] = limit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limits, nil
}

// LoadTokensFromPostgres replaces the in-memory key cache with the active
// keys stored in Postgres. On error the previous cache is kept.
func LoadTokensFromPostgres(ctx context.Context, cfg PostgresConfig) error {
	db, err := openKeyDB(ctx, cfg)
	if err != nil {
		return err
	}
	limits, err := loadKeys(ctx, db)
	if err != nil {
		return err
	}
	LoadTokensFromMap(limits)
	return nil
}

// LoadTokensFromMap replaces the key cache with a copy of m.
func LoadTokensFromMap(m map[string]int) {
	limits := make(map[string]int, len(m))
	for k, v := range m {
		limits[k] = v
	}
	apiKeys.Lock()
	apiKeys.limits = limits
	apiKeys.Unlock()
}

// TokensReady reports whether the key cache has been loaded at least once.
func TokensReady() bool {
	apiKeys.RLock()
	defer apiKeys.RUnlock()
	return apiKeys.limits != nil
}

// ValidateToken reports whether token is an active API key.
func ValidateToken(token string) bool {
	apiKeys.RLock()
	defer apiKeys.RUnlock()
	_, ok := apiKeys.limits[token]
	return ok
}

// GetRateLimit returns the per-interval request limit for token, or 0 when
// the token is unknown (no token limiter is applied).
func GetRateLimit(token string) int {
	apiKeys.RLock()
	defer apiKeys.RUnlock()
	return apiKeys.limits[token]
}

// RefreshTokensPeriodically reloads the key cache every interval until ctx
// is done.
func RefreshTokensPeriodically(ctx context.Context, cfg PostgresConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := LoadTokensFromPostgres(ctx, cfg); err != nil {
				Error("Failed to reload API keys", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
