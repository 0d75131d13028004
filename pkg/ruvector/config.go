package ruvector

import (
	"fmt"
	"time"
)

// TLSMode selects how the connection manager negotiates TLS with PostgreSQL.
type TLSMode string

const (
	TLSDisabled      TLSMode = "disabled"
	TLSRejectInvalid TLSMode = "reject-invalid"
	TLSAcceptInvalid TLSMode = "accept-invalid"
)

// PoolConfig bounds the pooled connection lifecycle.
type PoolConfig struct {
	Min               int
	Max               int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
}

// DefaultPoolConfig returns a conservative pool size suitable for a
// single-process host: small enough not to starve Postgres's own
// connection limit, large enough to keep a handful of concurrent
// searches from queuing on each other.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Min:               2,
		Max:               10,
		IdleTimeout:       30 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// QueryConfig bounds a single statement's wall-clock budget.
type QueryConfig struct {
	Timeout             time.Duration
	SlowQueryThreshold  time.Duration
}

// DefaultQueryConfig returns conservative timeout defaults.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		Timeout:            30 * time.Second,
		SlowQueryThreshold: 1 * time.Second,
	}
}

// RetryConfig configures exponential backoff with optional jitter for
// transient connection failures.
type RetryConfig struct {
	MaxAttempts         int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	Jitter              bool
	RetryableErrorCodes map[string]struct{}
}

// DefaultRetryableCodes is the default retryable set: connection-level
// network codes, the PostgreSQL server-shutdown/cannot-connect codes
// (57P01, 57P02, 57P03), and serialization failure/deadlock (40001,
// 40P01).
func DefaultRetryableCodes() map[string]struct{} {
	codes := []string{
		"ECONNREFUSED", "ECONNRESET", "ETIMEDOUT",
		"57P01", "57P02", "57P03", "40001", "40P01",
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// DefaultRetryConfig returns conservative backoff defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialDelay:        1 * time.Second,
		MaxDelay:            30 * time.Second,
		BackoffMultiplier:   2,
		Jitter:              true,
		RetryableErrorCodes: DefaultRetryableCodes(),
	}
}

// IsRetryable reports whether code is in the configured retryable set.
func (r RetryConfig) IsRetryable(code string) bool {
	if code == "" {
		return false
	}
	_, ok := r.RetryableErrorCodes[code]
	return ok
}

// connectionEstablishmentCodes are the network-level failures that
// guarantee the statement never reached the server, so repeating it
// cannot amplify a side effect.
var connectionEstablishmentCodes = map[string]struct{}{
	"ECONNREFUSED": {},
	"ECONNRESET":   {},
	"ETIMEDOUT":    {},
}

// IsRetryableForWrite reports whether code is safe to retry for a
// non-idempotent statement: it must be in the configured retryable set
// AND be a connection-establishment code. Server-side codes like 40001
// mean the statement may have run, so writes never retry on them.
func (r RetryConfig) IsRetryableForWrite(code string) bool {
	if !r.IsRetryable(code) {
		return false
	}
	_, ok := connectionEstablishmentCodes[code]
	return ok
}

// Config is the process-wide bridge configuration. The bridge never
// parses configuration files itself — the host
// populates this struct however it likes (flags, env, its own viper
// layer) and passes it to New.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	TLSMode         TLSMode
	Schema          string
	ApplicationName string

	Pool  PoolConfig
	Query QueryConfig
	Retry RetryConfig

	// VectorColumn and Dimensions are advisory defaults applied when a
	// SearchOptions/InsertOptions omits them.
	VectorColumn string
	Dimensions   int
	BatchSize    int
	StreamBatch  int
	Concurrency  int
	HighWaterMark int

	// CacheTTL governs the optional search result cache. Zero leaves the
	// expiry to the cache itself (RedisSearchCache then uses the ttl given
	// to NewRedisSearchCache, where zero means never); caching itself
	// stays off until a SearchCache is wired via VectorOperations.SetCache.
	CacheTTL time.Duration
}

// DefaultConfig returns a ready-to-use default configuration, requiring
// only connection credentials from the caller.
func DefaultConfig() Config {
	return Config{
		TLSMode:       TLSDisabled,
		Pool:          DefaultPoolConfig(),
		Query:         DefaultQueryConfig(),
		Retry:         DefaultRetryConfig(),
		VectorColumn:  "embedding",
		Dimensions:    1536,
		BatchSize:     100,
		StreamBatch:   1000,
		Concurrency:   4,
		HighWaterMark: 16384,
	}
}

// DSN renders a libpq-style connection string for pgxpool.ParseConfig.
func (c Config) DSN() string {
	sslmode := "disable"
	switch c.TLSMode {
	case TLSRejectInvalid:
		sslmode = "verify-full"
	case TLSAcceptInvalid:
		sslmode = "require"
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslmode)
	if c.ApplicationName != "" {
		dsn += fmt.Sprintf(" application_name=%s", c.ApplicationName)
	}
	if c.Schema != "" {
		dsn += fmt.Sprintf(" search_path=%s", c.Schema)
	}
	return dsn
}

// ValidationErrors aggregates field-level validation failures collected
// from a single Validate call, so callers see every problem at once
// instead of stopping at the first.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	msg := fmt.Sprintf("configuration validation failed with %d error(s): ", len(ve))
	for i, e := range ve {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return msg
}

// Validate performs client-side sanity checks before New establishes a pool.
func (c Config) Validate() error {
	var errs ValidationErrors

	if c.Host == "" {
		errs = append(errs, ValidationError{Field: "host", Reason: "must not be empty"})
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ValidationError{Field: "port", Reason: "must be between 1 and 65535"})
	}
	if c.Database == "" {
		errs = append(errs, ValidationError{Field: "database", Reason: "must not be empty"})
	}
	if c.Pool.Min < 0 || c.Pool.Max <= 0 || c.Pool.Min > c.Pool.Max {
		errs = append(errs, ValidationError{Field: "pool", Reason: "require 0 <= min <= max and max > 0"})
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "retry.max_attempts", Reason: "must be at least 1"})
	}
	if c.Retry.BackoffMultiplier <= 0 {
		errs = append(errs, ValidationError{Field: "retry.backoff_multiplier", Reason: "must be positive"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
