package store

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"checkq/internal/retry"
)

// Client wraps the shared coordination store. It is constructed once per
// process and handed to every component; there is no package-level instance.
type Client struct {
	rdb   redis.UniversalClient
	retry retry.Strategy
}

type Options struct {
	Addr     string
	Password string
	DB       int
	// DialTimeout etc. fall back to go-redis defaults when zero.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   3,
	})
	return wrap(rdb)
}

// NewFromRedis builds a Client over an existing go-redis handle. Tests use
// this to point the client at an in-process server.
func NewFromRedis(rdb redis.UniversalClient) *Client {
	return wrap(rdb)
}

func wrap(rdb redis.UniversalClient) *Client {
	strat := retry.Store
	strat.RetryIf = IsTransient
	return &Client{rdb: rdb, retry: strat}
}

// IsTransient reports whether an error is worth retrying at this layer:
// connection-level faults, not semantic ones like redis.Nil.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying handle for pipelines and commands the typed
// helpers do not cover.
func (c *Client) Raw() redis.UniversalClient {
	return c.rdb
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX is the lease-acquisition primitive: a single atomic
// set-if-absent-with-TTL. Returns true when the key was ours to take.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n > 0, err
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (c *Client) RPush(ctx context.Context, key string, values ...interface{}) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.rdb.RPush(ctx, key, values...).Err()
	})
}

// BLPop blocks up to timeout across the given keys. A timeout returns
// ("", "", nil): an idle signal, not an error.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, err error) {
	res, err := c.rdb.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", nil
		}
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", nil
	}
	return res[0], res[1], nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	return vals, err
}

func (c *Client) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	var n int64
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LRem(ctx, key, count, value).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.rdb.SAdd(ctx, key, members...).Err()
	})
}

func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.rdb.SRem(ctx, key, members...).Err()
	})
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var vals []string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	return vals, err
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.rdb.HSet(ctx, key, field, value).Err()
	})
}

// HDel returns how many fields were actually removed, which doubles as a
// race arbiter: concurrent reapers deleting the same field see 1 and 0.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var n int64
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HDel(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var vals map[string]string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	return vals, err
}

// ScanKeys walks the keyspace for pattern and returns every match. Used for
// pending-forward and proxy-health sweeps; cursors are folded internally.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// TxPipeline returns an atomic multi-operation batch.
func (c *Client) TxPipeline() redis.Pipeliner {
	return c.rdb.TxPipeline()
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}
