package redisclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type redisSuite struct {
	suite.Suite

	container testcontainers.Container
	client    *Client
}

func TestRedisSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Integration test - requires docker")
	}
	suite.Run(t, new(redisSuite))
}

func (s *redisSuite) SetupSuite() {
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = ctr

	addr, err := ctr.Endpoint(ctx, "")
	s.Require().NoError(err)

	s.client, err = NewClient(addr, "", 0)
	s.Require().NoError(err)
}

func (s *redisSuite) TearDownSuite() {
	if s.client != nil {
		s.NoError(s.client.Close())
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *redisSuite) SetupTest() {
	s.Require().NoError(s.client.GetClient().FlushDB(context.Background()).Err())
}

func (s *redisSuite) TestIdempotencyKey() {
	ctx := context.Background()

	_, found, err := s.client.GetIdempotencyKey(ctx, "req-1")
	s.Require().NoError(err)
	s.False(found)

	s.Require().NoError(s.client.SetIdempotencyKey(ctx, "req-1", "sellers/f1/orders/o1", time.Minute))

	path, found, err := s.client.GetIdempotencyKey(ctx, "req-1")
	s.Require().NoError(err)
	s.True(found)
	s.Equal("sellers/f1/orders/o1", path)
}

func (s *redisSuite) TestLockOwnership() {
	ctx := context.Background()

	token, ok, err := s.client.AcquireLock(ctx, "mirror:o1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	_, ok, err = s.client.AcquireLock(ctx, "mirror:o1", time.Minute)
	s.Require().NoError(err)
	s.False(ok, "lock is exclusive")

	// a stale token must not release someone else's lock
	s.Require().NoError(s.client.ReleaseLock(ctx, "mirror:o1", "not-the-owner"))
	_, ok, err = s.client.AcquireLock(ctx, "mirror:o1", time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.client.ReleaseLock(ctx, "mirror:o1", token))
	_, ok, err = s.client.AcquireLock(ctx, "mirror:o1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *redisSuite) TestChangeFeedRelaysPaths() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := s.client.ChangeFeed("test:changes")

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- feed.Listen(ctx, func(path string) {
			mu.Lock()
			seen = append(seen, path)
			mu.Unlock()
		})
	}()

	// publish until the subscription is live
	s.Eventually(func() bool {
		_ = feed.Publish(ctx, "sellers/f1/orders/o1")
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	s.Equal("sellers/f1/orders/o1", seen[0])
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		s.Fail("listener did not stop")
	}
}
