// Package redis builds the Redis connection pool behind the status feed. It
// transparently supports a standalone Redis server and a Redis Cluster.
package redis

import (
	"strings"
	"time"

	"github.com/fleetdm/devicefarm/server/config"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/fleetdm/devicefarm/server/health"
	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/pkg/errors"
)

// this is an adapter type to implement the same Stats method as for
// redisc.Cluster, so both can satisfy the same interface.
type standalonePool struct {
	*redis.Pool
	addr string
}

func (p *standalonePool) Stats() map[string]redis.PoolStats {
	return map[string]redis.PoolStats{
		p.addr: p.Pool.Stats(),
	}
}

// NewPool creates a Redis connection pool for the configured server. It
// probes for cluster mode and falls back to a standalone pool when the server
// does not support it.
func NewPool(cfg config.RedisConfig) (fleet.RedisPool, error) {
	cluster := newCluster(cfg)
	if err := cluster.Refresh(); err != nil {
		if isClusterDisabled(err) || isClusterCommandUnknown(err) {
			// not a Redis Cluster setup, use a standalone Redis pool
			pool, _ := cluster.CreatePool(cfg.Address)
			cluster.Close()
			return &standalonePool{pool, cfg.Address}, nil
		}
		return nil, errors.Wrap(err, "refresh cluster")
	}

	return cluster, nil
}

// EachRedisNode calls fn for each node in the redis cluster, with a connection
// to that node, until all nodes have been visited. The connection is
// automatically closed after the call. If fn returns an error, the iteration
// of nodes stops and EachRedisNode returns that error. For standalone redis,
// fn is called only once.
func EachRedisNode(pool fleet.RedisPool, fn func(conn redis.Conn) error) error {
	if cluster, isCluster := pool.(*redisc.Cluster); isCluster {
		return cluster.EachNode(false, func(_ string, conn redis.Conn) error {
			return fn(conn)
		})
	}

	conn := pool.Get()
	defer conn.Close()
	return fn(conn)
}

// HealthChecker pings every node of the pool.
func HealthChecker(pool fleet.RedisPool) health.Checker {
	return health.CheckerFunc(func() error {
		return EachRedisNode(pool, func(conn redis.Conn) error {
			if _, err := conn.Do("PING"); err != nil {
				return errors.Wrap(err, "ping redis")
			}
			return nil
		})
	})
}

func newCluster(cfg config.RedisConfig) *redisc.Cluster {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 3
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 240 * time.Second
	}

	return &redisc.Cluster{
		StartupNodes: []string{cfg.Address},
		CreatePool: func(server string, opts ...redis.DialOption) (*redis.Pool, error) {
			return &redis.Pool{
				MaxIdle:     maxIdle,
				IdleTimeout: idleTimeout,
				Dial: func() (redis.Conn, error) {
					c, err := redis.Dial(
						"tcp",
						server,
						redis.DialDatabase(cfg.Database),
						redis.DialUseTLS(cfg.UseTLS),
						redis.DialConnectTimeout(cfg.ConnectTimeout),
						redis.DialKeepAlive(cfg.KeepAlive),
						// Read/Write timeouts not set here because we may see results
						// only rarely on the pub/sub channel.
					)
					if err != nil {
						return nil, err
					}
					if cfg.Password != "" {
						if _, err := c.Do("AUTH", cfg.Password); err != nil {
							c.Close()
							return nil, err
						}
					}
					return c, err
				},
				TestOnBorrow: func(c redis.Conn, t time.Time) error {
					if time.Since(t) < time.Minute {
						return nil
					}
					_, err := c.Do("PING")
					return err
				},
			}, nil
		},
	}
}

func isClusterDisabled(err error) bool {
	return strings.Contains(err.Error(), "ERR This instance has cluster support disabled")
}

// On GCP Memorystore the CLUSTER command is entirely unavailable and fails with
// this error. See
// https://cloud.google.com/memorystore/docs/redis/product-constraints#blocked_redis_commands
func isClusterCommandUnknown(err error) bool {
	return strings.Contains(err.Error(), "ERR unknown command `CLUSTER`")
}
