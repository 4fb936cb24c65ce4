/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package backend

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/acronis/go-ratelimit/config"
)

type PoolTestSuite struct {
	suite.Suite
}

func TestPool(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) TestNewPoolRequiresPrimaryURL() {
	_, err := NewPool(Config{}, nil)
	s.Require().Error(err)
}

func (s *PoolTestSuite) TestNewPoolBuildsPerSecondStoreWhenConfigured() {
	cfg := Config{
		PrimaryURL:   "redis://localhost:6379/0",
		PerSecondURL: "redis://localhost:6380/0",
		PoolSize:     4,
	}
	p, err := NewPool(cfg, nil)
	s.Require().NoError(err)
	s.Require().NotNil(p.perSecond)

	op := Op{PerSecond: true}
	s.Same(p.perSecond, p.storeFor(op))

	op.PerSecond = false
	s.Same(p.primary, p.storeFor(op))
}

func (s *PoolTestSuite) TestStoreForFallsBackToPrimaryWithoutPerSecondStore() {
	cfg := Config{PrimaryURL: "redis://localhost:6379/0", PoolSize: 4}
	p, err := NewPool(cfg, nil)
	s.Require().NoError(err)
	s.Nil(p.perSecond)

	s.Same(p.primary, p.storeFor(Op{PerSecond: true}))
}

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

var _ net.Error = fakeTimeoutError{}

func (s *PoolTestSuite) TestClassifyExecErrorKind() {
	s.Equal(ErrorKindTimeout, classifyExecErrorKind(fakeTimeoutError{}))
	s.Equal(ErrorKindConnection, classifyExecErrorKind(errors.New("boom")))
}

func (s *PoolTestSuite) TestClassifyAcquireErrorIsPoolExhausted() {
	err := classifyAcquireError(errors.New("timed out"))
	s.Equal(ErrorKindPoolExhausted, err.Kind)
}

func (s *PoolTestSuite) TestErrorUnwrap() {
	cause := errors.New("cause")
	err := &Error{Kind: ErrorKindProtocol, Err: cause}
	s.True(errors.Is(err, cause))
	s.Contains(err.Error(), "protocol")
}

func (s *PoolTestSuite) TestErrorKindString() {
	s.Equal("connection", ErrorKindConnection.String())
	s.Equal("timeout", ErrorKindTimeout.String())
	s.Equal("pool_exhausted", ErrorKindPoolExhausted.String())
	s.Equal("protocol", ErrorKindProtocol.String())
	s.Equal("unknown", ErrorKind(99).String())
}

func (s *PoolTestSuite) TestNewRedisClientAppliesPoolSize() {
	client, err := newRedisClient(Config{PoolSize: 7}, "redis://localhost:6379/0")
	s.Require().NoError(err)
	s.Require().NotNil(client)
	s.Equal(7, client.Options().PoolSize)
}

func (s *PoolTestSuite) TestNewRedisClientWithCustomDNSResolver() {
	cfg := Config{
		PoolSize: 1,
		DNSResolver: DNSResolverConfig{
			Addrs:   []string{"127.0.0.1:53"},
			Timeout: config.TimeDuration(2 * time.Second),
		},
	}
	client, err := newRedisClient(cfg, "redis://localhost:6379/0")
	s.Require().NoError(err)
	s.Require().NotNil(client)
}
