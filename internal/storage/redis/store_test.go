package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisStoreTestSuite 使用真实 Redis 容器验证存储行为
type RedisStoreTestSuite struct {
	suite.Suite
	container testcontainers.Container
	addr      string
	rdb       *goredis.Client
}

func (s *RedisStoreTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T(), err)
	s.container = container

	host, err := container.Host(ctx)
	require.NoError(s.T(), err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(s.T(), err)

	s.addr = fmt.Sprintf("%s:%s", host, port.Port())
	s.rdb = s.newClient()
}

func (s *RedisStoreTestSuite) TearDownSuite() {
	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.container != nil {
		s.container.Terminate(context.Background())
	}
}

func (s *RedisStoreTestSuite) SetupTest() {
	s.rdb.FlushDB(context.Background())
}

func (s *RedisStoreTestSuite) newClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: s.addr})
}

func TestRedisStoreTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreTestSuite))
}

func (s *RedisStoreTestSuite) TestSetGetRemove() {
	ctx := context.Background()
	store := NewStore(s.newClient(), "test:", nil)
	defer store.Close()

	require.NoError(s.T(), store.Set(ctx, map[string][]byte{
		"apiKey": []byte(`"k1"`),
		"plan":   []byte(`{"type":"CORE","isActive":true}`),
	}))

	values, err := store.Get(ctx, "apiKey", "plan", "missing")
	require.NoError(s.T(), err)
	assert.Len(s.T(), values, 2)
	assert.Equal(s.T(), `"k1"`, string(values["apiKey"]))

	// 键带前缀保存
	raw, err := s.rdb.Get(ctx, "test:apiKey").Result()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), `"k1"`, raw)

	require.NoError(s.T(), store.Remove(ctx, "apiKey"))
	values, err = store.Get(ctx, "apiKey")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), values)
}

func (s *RedisStoreTestSuite) TestWatchInvalidatesLocalCache() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewStore(s.newClient(), "shared:", nil)
	b := NewStore(s.newClient(), "shared:", nil)
	defer a.Close()
	defer b.Close()

	require.NoError(s.T(), a.Set(ctx, map[string][]byte{"theme": []byte(`"dark"`)}))
	// 让 b 的本地缓存持有旧值
	_, err := b.Get(ctx, "theme")
	require.NoError(s.T(), err)

	changed := make(chan []string, 1)
	go b.Watch(ctx, func(keys []string) { changed <- keys })
	time.Sleep(100 * time.Millisecond)

	require.NoError(s.T(), a.Set(ctx, map[string][]byte{"theme": []byte(`"light"`)}))

	select {
	case keys := <-changed:
		assert.Equal(s.T(), []string{"theme"}, keys)
	case <-time.After(3 * time.Second):
		s.T().Fatal("expected change notification")
	}

	values, err := b.Get(ctx, "theme")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), `"light"`, string(values["theme"]))
}

func (s *RedisStoreTestSuite) TestHealthAndClose() {
	store := NewStore(s.newClient(), "test:", nil)
	assert.NoError(s.T(), store.Health())
	require.NoError(s.T(), store.Close())
	assert.Error(s.T(), store.Health())
	assert.NoError(s.T(), store.Close())
}
