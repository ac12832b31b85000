package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/solatis/badgekeeper/internal/core/config"
	"github.com/solatis/badgekeeper/internal/observability"
	"github.com/solatis/badgekeeper/internal/rules"
	"github.com/solatis/badgekeeper/internal/types"
)

type memorySink struct {
	mu     sync.Mutex
	grants []Grant
	err    error
}

func (s *memorySink) Grant(_ context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.grants = append(s.grants, g)
	return nil
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.msgs)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func newEngine(t *testing.T) *rules.Engine {
	t.Helper()
	e, err := rules.NewEngine(rules.NewStore(4))
	require.NoError(t, err)
	require.NoError(t, e.Load(&types.Rule{
		ID:   "big-spender",
		Name: "Big Spender",
		Root: types.AllOf(
			types.NewCondition("event.type", types.OpEq, types.String("PURCHASE")),
			types.NewCondition("order.amount", types.OpGte, types.Number(100)),
		),
	}))
	require.NoError(t, e.Load(&types.Rule{
		ID:   "first-login",
		Name: "First Login",
		Root: types.NewCondition("event.type", types.OpEq, types.String("LOGIN")),
	}))
	return e
}

func message(offset int64, key, value string, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:   "events",
		Offset:  offset,
		Key:     []byte(key),
		Value:   []byte(value),
		Headers: headers,
	}
}

func TestHandleMessage_GrantsMatches(t *testing.T) {
	sink := &memorySink{}
	metrics := observability.NewMetrics()
	h := NewHandler(newEngine(t), sink, WithMetrics(metrics))
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	id := types.NewEventID()
	grants, err := h.HandleMessage(context.Background(), message(7, "user-42",
		`{"event":{"type":"PURCHASE"},"order":{"amount":250}}`,
		&sarama.RecordHeader{Key: []byte(HeaderEventID), Value: []byte(id)},
	))
	require.NoError(t, err)
	require.Len(t, grants, 1)

	g := grants[0]
	assert.Equal(t, types.RuleID("big-spender"), g.RuleID)
	assert.Equal(t, "Big Spender", g.RuleName)
	assert.Equal(t, "user-42", g.SubjectID)
	assert.Equal(t, id, g.EventID)
	assert.Equal(t, []string{"event.type", "order.amount"}, g.MatchedConditions)
	assert.Equal(t, fixed, g.GrantedAt)
	assert.Equal(t, grants, sink.grants)

	v, err := metrics.Value("badgekeeper_consumer_events_total", map[string]string{"status": "evaluated"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	v, err = metrics.Value("badgekeeper_consumer_grants_total", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestHandleMessage_NoMatch(t *testing.T) {
	sink := &memorySink{}
	h := NewHandler(newEngine(t), sink)

	grants, err := h.HandleMessage(context.Background(), message(1, "u", `{"event":{"type":"REFUND"}}`))
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.Empty(t, sink.grants)
}

func TestHandleMessage_AssignsEventIDWhenHeaderInvalid(t *testing.T) {
	h := NewHandler(newEngine(t), &memorySink{})
	grants, err := h.HandleMessage(context.Background(), message(1, "u", `{"event":{"type":"LOGIN"}}`,
		&sarama.RecordHeader{Key: []byte(HeaderEventID), Value: []byte("not-a-uuid")},
	))
	require.NoError(t, err)
	require.Len(t, grants, 1)
	_, err = types.ParseEventID(string(grants[0].EventID))
	assert.NoError(t, err)
}

func TestHandleMessage_Malformed(t *testing.T) {
	metrics := observability.NewMetrics()
	h := NewHandler(newEngine(t), &memorySink{}, WithMetrics(metrics))

	tests := map[string]*sarama.ConsumerMessage{
		"empty":     message(1, "u", ""),
		"not json":  message(2, "u", "{nope"),
		"oversized": message(3, "u", `{"pad":"`+strings.Repeat("x", types.MaxPayloadSize)+`"}`),
	}
	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.HandleMessage(context.Background(), msg)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}

	v, err := metrics.Value("badgekeeper_consumer_events_total", map[string]string{"status": "malformed"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestHandleMessage_SinkError(t *testing.T) {
	sink := &memorySink{err: errors.New("downstream unavailable")}
	h := NewHandler(newEngine(t), sink)

	_, err := h.HandleMessage(context.Background(), message(1, "u", `{"event":{"type":"LOGIN"}}`))
	assert.ErrorContains(t, err, "downstream unavailable")
}

func TestHandleMessage_BrokenRuleStillGrantsOthers(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := newEngine(t)
	require.NoError(t, e.Store().Load(&types.Rule{
		ID:   "broken",
		Root: types.NewCondition("event.type", types.OpRegex, types.String("(")),
	}))
	sink := &memorySink{}
	h := NewHandler(e, sink, WithLogger(zap.New(core)))

	grants, err := h.HandleMessage(context.Background(), message(1, "u", `{"event":{"type":"LOGIN"}}`))
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, types.RuleID("first-login"), grants[0].RuleID)
	assert.Equal(t, 1, logs.FilterMessage("rules failed for event").Len())
}

func TestConsumeClaim_MarksEveryMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	claim.msgs <- message(0, "u", `{"event":{"type":"LOGIN"}}`)
	claim.msgs <- message(1, "u", `garbage`)
	claim.msgs <- message(2, "u", `{"event":{"type":"PURCHASE"},"order":{"amount":500}}`)
	close(claim.msgs)

	sink := &memorySink{}
	h := NewHandler(newEngine(t), sink)
	require.NoError(t, h.Setup(sess))
	require.NoError(t, h.ConsumeClaim(sess, claim))
	require.NoError(t, h.Cleanup(sess))

	assert.Equal(t, []int64{0, 1, 2}, sess.marked)
	assert.Len(t, sink.grants, 2)
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}
	h := NewHandler(newEngine(t), &memorySink{})

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Grant(context.Background(), Grant{RuleID: "r", SubjectID: "s"}))

	entries := logs.FilterMessage("badge granted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "r", entries[0].ContextMap()["rule_id"])
}

func TestNewSaramaConfig(t *testing.T) {
	cfg := config.DefaultConfig().Kafka
	assert.Equal(t, sarama.OffsetNewest, NewSaramaConfig(cfg).Consumer.Offsets.Initial)

	cfg.InitialOffset = "oldest"
	sc := NewSaramaConfig(cfg)
	assert.Equal(t, sarama.OffsetOldest, sc.Consumer.Offsets.Initial)
	assert.True(t, sc.Consumer.Return.Errors)
	assert.NoError(t, sc.Validate())
}
