package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-consistency/consistency/log"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	defaultPoolSize     = 10
)

var (
	// ErrNilClient is returned when a method is called on a nil Client.
	ErrNilClient = errors.New("redis client is nil")
	// ErrNotConnected is returned when the client has not been connected yet.
	ErrNotConnected = errors.New("redis client is not connected")
	// ErrEmptyAddress is returned when no redis address is configured.
	ErrEmptyAddress = errors.New("redis address cannot be empty")
)

// Config holds connection settings for the Redis client.
type Config struct {
	// Address is the host:port of the Redis server.
	Address string

	// Password is optional.
	Password string

	// DB selects the logical database.
	DB int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	Logger log.Logger
}

func normalizeConfig(cfg Config) (Config, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return cfg, ErrEmptyAddress
	}

	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	return cfg, nil
}

// Client wraps a go-redis UniversalClient with lazy connection management.
// Safe for concurrent use.
type Client struct {
	cfg    Config
	client redis.UniversalClient
	mu     sync.RWMutex
}

// New validates the config and returns an unconnected Client.
// The connection is established on Connect or on first GetClient.
func New(cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{cfg: normalized}, nil
}

// Connect establishes and pings the Redis connection.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{c.cfg.Address},
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		PoolSize:     c.cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.cfg.Logger.Log(ctx, log.LevelError, "failed to ping redis", log.Err(err))

		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	c.client = rdb

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.String("address", c.cfg.Address))

	return nil
}

// GetClient returns the underlying UniversalClient, connecting lazily.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		rdb := c.client
		c.mu.RUnlock()

		return rdb, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}

// IsConnected reports whether the client holds an established connection.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}
