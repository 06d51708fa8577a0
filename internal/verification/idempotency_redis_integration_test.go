//go:build integration

package verification_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"verifid/internal/verification"
	id "verifid/pkg/domain"
	"verifid/pkg/testutil/containers"
)

type RedisIdempotencySuite struct {
	suite.Suite
	redis *containers.RedisContainer
	guard *verification.RedisIdempotencyGuard
}

func TestRedisIdempotencySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIdempotencySuite))
}

func (s *RedisIdempotencySuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.guard = verification.NewRedisIdempotencyGuard(s.redis.Client)
}

func (s *RedisIdempotencySuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisIdempotencySuite) TestReserveAndRelease() {
	ctx := context.Background()
	tenant, err := id.ParseTenantID(uuid.NewString())
	s.Require().NoError(err)
	first := id.NewSessionID()

	holder, ok, err := s.guard.Reserve(ctx, tenant, "fp", first, time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(first, holder)

	// A concurrent duplicate sees the original holder.
	second := id.NewSessionID()
	holder, ok, err = s.guard.Reserve(ctx, tenant, "fp", second, time.Minute)
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(first, holder)

	// A different fingerprint or tenant is an independent claim.
	_, ok, err = s.guard.Reserve(ctx, tenant, "fp-2", second, time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	otherTenant, err := id.ParseTenantID(uuid.NewString())
	s.Require().NoError(err)
	_, ok, err = s.guard.Reserve(ctx, otherTenant, "fp", second, time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	s.Require().NoError(s.guard.Release(ctx, tenant, "fp"))
	holder, ok, err = s.guard.Reserve(ctx, tenant, "fp", second, time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(second, holder)
}

func (s *RedisIdempotencySuite) TestClaimExpires() {
	ctx := context.Background()
	tenant, err := id.ParseTenantID(uuid.NewString())
	s.Require().NoError(err)

	_, ok, err := s.guard.Reserve(ctx, tenant, "fp", id.NewSessionID(), 50*time.Millisecond)
	s.Require().NoError(err)
	s.True(ok)

	time.Sleep(100 * time.Millisecond)

	_, ok, err = s.guard.Reserve(ctx, tenant, "fp", id.NewSessionID(), time.Minute)
	s.Require().NoError(err)
	s.True(ok)
}
