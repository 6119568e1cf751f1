package fleet

import "github.com/gomodule/redigo/redis"

// RedisPool is satisfied by both a standalone redigo Pool and a redisc
// Cluster. The status feed publishes through it.
type RedisPool interface {
	// Get returns a redis connection. It must always be closed after use.
	Get() redis.Conn

	Close() error

	// Stats returns the pool statistics keyed by server address.
	Stats() map[string]redis.PoolStats
}
