//go:build integration

package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"verifid/internal/audit"
	"verifid/internal/audit/relay"
	id "verifid/pkg/domain"
	"verifid/pkg/testutil/containers"
)

type RelaySuite struct {
	suite.Suite
	broker string
	client *kgo.Client
	topic  string
}

func TestRelaySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T()).Broker
}

func (s *RelaySuite) SetupTest() {
	ctx := context.Background()
	s.topic = "audit.events." + uuid.NewString()

	admin, err := kgo.NewClient(kgo.SeedBrokers(s.broker))
	s.Require().NoError(err)
	defer admin.Close()
	_, err = kadm.NewClient(admin).CreateTopic(ctx, 1, 1, nil, s.topic)
	s.Require().NoError(err)

	s.client, err = kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(s.topic),
	)
	s.Require().NoError(err)
}

func (s *RelaySuite) TearDownTest() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *RelaySuite) TestDrainDeliversToKafka() {
	ctx := context.Background()
	store := audit.NewInMemoryStore()
	session := id.NewSessionID()
	tenant, err := id.ParseTenantID(uuid.NewString())
	s.Require().NoError(err)

	base := time.Now()
	want := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		event := audit.NewEvent(session, tenant, audit.EventStageCompleted,
			base.Add(time.Duration(i)*time.Millisecond), map[string]any{"seq": i})
		s.Require().NoError(store.Append(ctx, event))
		want = append(want, event.EventID)
	}

	r := relay.New(store, s.client, s.topic,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(r.Drain(ctx))

	got := s.consume(3)
	s.Equal(want, got)

	pending, err := store.PendingOutbox(ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *RelaySuite) consume(n int) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids := make([]string, 0, n)
	for len(ids) < n {
		fetches := s.client.PollFetches(ctx)
		require.NoError(s.T(), fetches.Err())
		fetches.EachRecord(func(record *kgo.Record) {
			var event audit.Event
			require.NoError(s.T(), json.Unmarshal(record.Value, &event))
			ids = append(ids, event.EventID)
		})
	}
	return ids
}
