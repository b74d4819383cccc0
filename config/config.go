package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/TicketsBot/gatewayclient/gateway"
	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

var ErrMissingToken = errors.New("SHARDER_TOKEN is not set")

type Config struct {
	Token                string
	ShardCount           gateway.ShardCount
	LargeShardingBuckets int

	Redis RedisConfig
	Cache CacheConfig
	Rest  RestConfig

	SentryDsn  string
	StatusAddr string
	LogLevel   logrus.Level
}

type RedisConfig struct {
	Addr     string
	Password string
	Threads  int
}

// CacheConfig points at the postgres cache. URI takes precedence over the
// individual connection fields.
type CacheConfig struct {
	URI      string
	User     string
	Password string
	Host     string
	Name     string
	Threads  int
}

type RestConfig struct {
	Proxy           string
	RetryLimit      int
	Timeout         time.Duration
	GlobalRateLimit int
}

func FromEnv() (cfg Config, err error) {
	cfg.Token = os.Getenv("SHARDER_TOKEN")
	if cfg.Token == "" {
		return cfg, ErrMissingToken
	}

	// total of 0 asks the gateway for the recommended count
	if cfg.ShardCount.Total, err = intEnv("SHARDER_COUNT_TOTAL", 0); err != nil {
		return
	}

	// lowest (inclusive)
	if cfg.ShardCount.Lowest, err = intEnv("SHARDER_COUNT_LOWEST", 0); err != nil {
		return
	}

	// highest (exclusive)
	if cfg.ShardCount.Highest, err = intEnv("SHARDER_COUNT_HIGHEST", 0); err != nil {
		return
	}

	if cfg.LargeShardingBuckets, err = intEnv("SHARDER_LARGE_SHARDING_BUCKETS", 1); err != nil {
		return
	}

	cfg.Redis = RedisConfig{
		Addr:     os.Getenv("SHARDER_REDIS_ADDR"),
		Password: os.Getenv("SHARDER_REDIS_PASSWD"),
	}

	if cfg.Redis.Threads, err = intEnv("SHARDER_REDIS_THREADS", 10); err != nil {
		return
	}

	cfg.Cache = CacheConfig{
		URI:      os.Getenv("CACHE_URI"),
		User:     os.Getenv("CACHE_USER"),
		Password: os.Getenv("CACHE_PASSWORD"),
		Host:     os.Getenv("CACHE_HOST"),
		Name:     os.Getenv("CACHE_NAME"),
	}

	if cfg.Cache.Threads, err = intEnv("CACHE_THREADS", 10); err != nil {
		return
	}

	cfg.Rest.Proxy = os.Getenv("REST_PROXY")

	if cfg.Rest.RetryLimit, err = intEnv("REST_RETRY_LIMIT", 1); err != nil {
		return
	}

	timeoutMs, err := intEnv("REST_TIMEOUT_MS", 15000)
	if err != nil {
		return
	}
	cfg.Rest.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if cfg.Rest.GlobalRateLimit, err = intEnv("REST_GLOBAL_RATE_LIMIT", 0); err != nil {
		return
	}

	cfg.SentryDsn = os.Getenv("SENTRY_DSN")
	cfg.StatusAddr = os.Getenv("SHARDER_STATUS_ADDR")

	cfg.LogLevel = logrus.InfoLevel
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if cfg.LogLevel, err = logrus.ParseLevel(level); err != nil {
			return
		}
	}

	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	return parsed, nil
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func BuildRedisClient(cfg RedisConfig) (*redis.Client, error) {
	options := &redis.Options{
		Network:      "tcp",
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		PoolSize:     cfg.Threads,
		MinIdleConns: cfg.Threads,
	}

	client := redis.NewClient(options)

	// test conn
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

func (c CacheConfig) Enabled() bool {
	return c.URI != "" || c.Host != ""
}

func (c CacheConfig) ConnString() string {
	connString := c.URI
	if connString == "" {
		uri := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   c.Host,
			Path:   "/" + c.Name,
		}

		connString = uri.String()
	}

	if c.Threads > 0 && !strings.Contains(connString, "pool_max_conns=") {
		separator := "?"
		if strings.Contains(connString, "?") {
			separator = "&"
		}

		connString = fmt.Sprintf("%s%spool_max_conns=%d", connString, separator, c.Threads)
	}

	return connString
}

func ConnectCache(ctx context.Context, cfg CacheConfig) (*pgxpool.Pool, error) {
	return pgxpool.Connect(ctx, cfg.ConnString())
}
