// Package redistest provides Redis pools for tests: a recording fake that
// needs no server and a real pool gated on the REDIS_TEST variable.
package redistest

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fleetdm/devicefarm/server/config"
	"github.com/fleetdm/devicefarm/server/datastore/redis"
	"github.com/fleetdm/devicefarm/server/fleet"
	redigo "github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// Command is one call recorded by a FakePool.
type Command struct {
	Name string
	Args []interface{}
}

// FakePool is a fleet.RedisPool whose connections record every Do call and
// answer with Reply.
type FakePool struct {
	mu       sync.Mutex
	commands []Command

	// Reply returns the reply for a command. A nil Reply answers (nil, nil).
	Reply func(cmd string, args ...interface{}) (interface{}, error)
}

var _ fleet.RedisPool = (*FakePool)(nil)

func (p *FakePool) Get() redigo.Conn { return &fakeConn{pool: p} }

func (p *FakePool) Close() error { return nil }

func (p *FakePool) Stats() map[string]redigo.PoolStats { return nil }

// Commands returns a copy of the recorded commands.
func (p *FakePool) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.commands...)
}

func (p *FakePool) do(cmd string, args ...interface{}) (interface{}, error) {
	p.mu.Lock()
	p.commands = append(p.commands, Command{Name: cmd, Args: args})
	reply := p.Reply
	p.mu.Unlock()

	if reply == nil {
		return nil, nil
	}
	return reply(cmd, args...)
}

type fakeConn struct {
	pool *FakePool
}

func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Err() error   { return nil }
func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	return c.pool.do(cmd, args...)
}
func (c *fakeConn) Send(cmd string, args ...interface{}) error {
	_, err := c.pool.do(cmd, args...)
	return err
}
func (c *fakeConn) Flush() error                  { return nil }
func (c *fakeConn) Receive() (interface{}, error) { return nil, redigo.ErrNil }

// SetupRedis returns a pool connected to the local Redis server, skipping the
// test unless REDIS_TEST is set.
func SetupRedis(tb testing.TB) fleet.RedisPool {
	if _, ok := os.LookupEnv("REDIS_TEST"); !ok {
		tb.Skip("set REDIS_TEST environment variable to run redis-based tests")
	}

	pool, err := redis.NewPool(config.RedisConfig{
		Address:        "127.0.0.1:6379",
		ConnectTimeout: 5 * time.Second,
		KeepAlive:      10 * time.Second,
	})
	require.NoError(tb, err)

	conn := pool.Get()
	defer conn.Close()
	_, err = conn.Do("PING")
	require.Nil(tb, err)

	tb.Cleanup(func() { pool.Close() })
	return pool
}
