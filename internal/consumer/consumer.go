// Package consumer evaluates event documents read from Kafka against every
// stored rule and hands matches to a Sink.
//
// Each message value is one JSON event document. The message key is the
// subject (user) id. An "event_id" header carrying a UUID identifies the
// event; envelopes without one get a fresh UUIDv7.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/rules"
	"github.com/solatis/badgekeeper/internal/types"
)

// HeaderEventID names the optional message header carrying the event id.
const HeaderEventID = "event_id"

// ErrMalformedEvent marks payloads that could not be turned into an
// evaluation context.
var ErrMalformedEvent = errors.New("malformed event")

// Evaluator runs every stored rule against one event. *rules.Engine
// satisfies it.
type Evaluator interface {
	EvaluateAll(ctx *rules.EvaluationContext) ([]rules.EvaluationResult, error)
}

// Metrics receives per-event counters. *observability.Metrics satisfies it.
type Metrics interface {
	EventConsumed(err error)
	Granted(n int)
}

type nopMetrics struct{}

func (nopMetrics) EventConsumed(error) {}
func (nopMetrics) Granted(int)         {}

// Grant is one matched rule for one event.
type Grant struct {
	EventID           types.EventID `json:"event_id"`
	SubjectID         string        `json:"subject_id"`
	RuleID            types.RuleID  `json:"rule_id"`
	RuleName          string        `json:"rule_name"`
	MatchedConditions []string      `json:"matched_conditions"`
	GrantedAt         time.Time     `json:"granted_at"`
}

// Sink receives grants. Implementations must be safe for concurrent use;
// sarama runs one ConsumeClaim goroutine per partition.
type Sink interface {
	Grant(ctx context.Context, g Grant) error
}

// LogSink writes grants to a logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging at info.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

// Grant logs g.
func (s *LogSink) Grant(_ context.Context, g Grant) error {
	s.log.Info("badge granted",
		zap.String("event_id", string(g.EventID)),
		zap.String("subject_id", g.SubjectID),
		zap.String("rule_id", string(g.RuleID)),
		zap.String("rule_name", g.RuleName),
		zap.Strings("matched_conditions", g.MatchedConditions),
	)
	return nil
}

// Handler implements sarama.ConsumerGroupHandler.
type Handler struct {
	eval    Evaluator
	sink    Sink
	log     *zap.Logger
	metrics Metrics
	now     func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(log *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics sets the metrics receiver.
func WithMetrics(m Metrics) HandlerOption {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHandler creates a handler. A nil sink logs grants through the handler
// logger.
func NewHandler(eval Evaluator, sink Sink, opts ...HandlerOption) *Handler {
	h := &Handler{
		eval:    eval,
		sink:    sink,
		log:     zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sink == nil {
		h.sink = NewLogSink(h.log)
	}
	return h
}

var _ sarama.ConsumerGroupHandler = (*Handler)(nil)

// Setup is called at the start of a new session.
func (h *Handler) Setup(sess sarama.ConsumerGroupSession) error {
	h.log.Info("consumer session started",
		zap.String("member_id", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
	)
	return nil
}

// Cleanup is called once all ConsumeClaim goroutines have exited.
func (h *Handler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.log.Info("consumer session ended", zap.String("member_id", sess.MemberID()))
	return nil
}

// ConsumeClaim evaluates every message of one partition claim. Messages are
// marked whether or not they could be evaluated; a poison message must not
// stall the partition.
func (h *Handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if _, err := h.HandleMessage(sess.Context(), msg); err != nil {
				h.log.Warn("event skipped",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// HandleMessage evaluates one message and returns the grants delivered to
// the sink. Rules that fail to evaluate are logged; the remaining matches
// are still granted.
func (h *Handler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) ([]Grant, error) {
	evalCtx, err := decode(msg)
	h.metrics.EventConsumed(err)
	if err != nil {
		return nil, err
	}
	eventID := eventIDFor(msg)
	subject := string(msg.Key)

	results, err := h.eval.EvaluateAll(evalCtx)
	if err != nil {
		h.log.Warn("rules failed for event",
			zap.String("event_id", string(eventID)),
			zap.Error(err),
		)
	}

	var grants []Grant
	for _, r := range results {
		if !r.Matched {
			continue
		}
		g := Grant{
			EventID:           eventID,
			SubjectID:         subject,
			RuleID:            r.RuleID,
			RuleName:          r.RuleName,
			MatchedConditions: r.MatchedConditions,
			GrantedAt:         h.now().UTC(),
		}
		if err := h.sink.Grant(ctx, g); err != nil {
			return grants, fmt.Errorf("grant %s for event %s: %w", g.RuleID, eventID, err)
		}
		grants = append(grants, g)
		h.metrics.Granted(1)
	}
	return grants, nil
}

func decode(msg *sarama.ConsumerMessage) (*rules.EvaluationContext, error) {
	if msg == nil || len(msg.Value) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	if len(msg.Value) > types.MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedEvent, len(msg.Value), types.MaxPayloadSize)
	}
	evalCtx, err := rules.ParseContext(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return evalCtx, nil
}

func eventIDFor(msg *sarama.ConsumerMessage) types.EventID {
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) != HeaderEventID {
			continue
		}
		if id, err := types.ParseEventID(string(h.Value)); err == nil {
			return id
		}
	}
	return types.NewEventID()
}
