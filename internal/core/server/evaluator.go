package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/badgekeeper/internal/rules"
	"github.com/solatis/badgekeeper/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "badgekeeper.rules.v1.RuleEvaluator"

// EvaluateMethod is the full method path of Evaluate.
const EvaluateMethod = "/" + ServiceName + "/Evaluate"

// Evaluator is the engine surface the service needs. *rules.Engine
// satisfies it.
type Evaluator interface {
	Evaluate(id types.RuleID, ctx *rules.EvaluationContext) (rules.EvaluationResult, error)
	EvaluateAll(ctx *rules.EvaluationContext) ([]rules.EvaluationResult, error)
}

// RuleEvaluatorServer is the service contract registered under ServiceName.
//
// Requests and responses are google.protobuf.Struct:
//
//	request  {"rule_id": "rule-001", "event": {...}}   rule_id optional
//	response {"results": [{"matched": true, "rule_id": ..., ...}], "errors": [...]}
type RuleEvaluatorServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// EvaluatorService implements RuleEvaluatorServer over an Evaluator.
type EvaluatorService struct {
	engine Evaluator
	log    *zap.Logger
}

// NewEvaluatorService returns the service.
func NewEvaluatorService(engine Evaluator, log *zap.Logger) (*EvaluatorService, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EvaluatorService{engine: engine, log: log}, nil
}

// Evaluate runs one rule, or every stored rule when rule_id is absent.
// Unknown rule ids are NotFound; a missing or non-object event is
// InvalidArgument. With no rule_id, rules that fail are listed under
// "errors" and the call still succeeds.
func (s *EvaluatorService) Evaluate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	evalCtx, ruleID, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}

	if ruleID != "" {
		result, err := s.engine.Evaluate(ruleID, evalCtx)
		if err != nil {
			return nil, toStatus(err)
		}
		return encodeResponse([]rules.EvaluationResult{result}, nil)
	}

	results, err := s.engine.EvaluateAll(evalCtx)
	var failures []string
	if err != nil {
		s.log.Warn("rules failed during evaluate-all", zap.Error(err))
		failures = splitJoined(err)
	}
	return encodeResponse(results, failures)
}

func decodeRequest(req *structpb.Struct) (*rules.EvaluationContext, types.RuleID, error) {
	if req == nil {
		return nil, "", status.Error(codes.InvalidArgument, "request is empty")
	}
	var ruleID types.RuleID
	if v, ok := req.GetFields()["rule_id"]; ok {
		s, isString := v.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, "", status.Error(codes.InvalidArgument, "rule_id must be a string")
		}
		ruleID = types.RuleID(s.StringValue)
		if err := ruleID.Validate(); err != nil {
			return nil, "", status.Error(codes.InvalidArgument, err.Error())
		}
	}

	event := req.GetFields()["event"].GetStructValue()
	if event == nil {
		return nil, "", status.Error(codes.InvalidArgument, "event must be an object")
	}
	evalCtx, err := rules.ContextFromMap(event.AsMap())
	if err != nil {
		return nil, "", status.Error(codes.InvalidArgument, err.Error())
	}
	return evalCtx, ruleID, nil
}

func encodeResponse(results []rules.EvaluationResult, failures []string) (*structpb.Struct, error) {
	list := make([]any, 0, len(results))
	for _, r := range results {
		list = append(list, map[string]any{
			"matched":            r.Matched,
			"rule_id":            string(r.RuleID),
			"rule_name":          r.RuleName,
			"matched_conditions": stringsToAny(r.MatchedConditions),
			"evaluation_trace":   stringsToAny(r.EvaluationTrace),
			"evaluation_time_ms": r.EvaluationTimeMs,
		})
	}
	body := map[string]any{"results": list}
	if len(failures) > 0 {
		body["errors"] = stringsToAny(failures)
	}
	out, err := structpb.NewStruct(body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// splitJoined flattens an errors.Join result into one message per rule.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if _, isRuleErr := err.(*types.RuleError); !isRuleErr {
			var out []string
			for _, e := range joined.Unwrap() {
				out = append(out, e.Error())
			}
			return out
		}
	}
	return []string{err.Error()}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, types.ErrRuleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrInvalidRuleID), errors.Is(err, types.ErrParse):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrExecution), errors.Is(err, types.ErrCompile):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RuleEvaluatorServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RuleEvaluatorServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ruleEvaluatorServiceDesc is written by hand; the messages are well-known
// Struct types so no generated code is needed.
var ruleEvaluatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuleEvaluatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "badgekeeper/rules/v1/evaluator.proto",
}

// RegisterRuleEvaluatorServer registers srv on s.
func RegisterRuleEvaluatorServer(s grpc.ServiceRegistrar, srv RuleEvaluatorServer) {
	s.RegisterService(&ruleEvaluatorServiceDesc, srv)
}

// Evaluate calls the service over conn.
func Evaluate(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, EvaluateMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
