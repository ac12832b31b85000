package rules

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/solatis/badgekeeper/internal/types"
)

type countingRecorder struct {
	mu          sync.Mutex
	evaluations int
	matched     int
	failed      int
	compileFail int
	stored      int
}

func (r *countingRecorder) ObserveEvaluation(_ types.RuleID, matched bool, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations++
	if matched {
		r.matched++
	}
	if err != nil {
		r.failed++
	}
}

func (r *countingRecorder) CompileFailed() {
	r.mu.Lock()
	r.compileFail++
	r.mu.Unlock()
}

func (r *countingRecorder) SetStoredRules(n int) {
	r.mu.Lock()
	r.stored = n
	r.mu.Unlock()
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(NewStore(4), opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v, want nil", err)
	}
	return e
}

func TestEngine_LoadAndEvaluate(t *testing.T) {
	rec := &countingRecorder{}
	e := newTestEngine(t, WithRecorder(rec))

	if err := e.Load(purchaseRule()); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	result, err := e.Evaluate("rule-001", mustContext(t, `{"event":{"type":"PURCHASE"},"order":{"amount":100}}`))
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want nil", err)
	}
	if !result.Matched {
		t.Errorf("Matched = false, want true; trace %q", result.EvaluationTrace)
	}
	if rec.evaluations != 1 || rec.matched != 1 || rec.stored != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestEngine_EvaluateMissingRule(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Evaluate("nope", NewContext(types.Null())); !errors.Is(err, types.ErrRuleNotFound) {
		t.Fatalf("Evaluate() error = %v, want ErrRuleNotFound", err)
	}
}

func TestEngine_LoadRejectsInvalidRule(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rec := &countingRecorder{}
	e := newTestEngine(t, WithLogger(zap.New(core)), WithRecorder(rec))

	bad := &types.Rule{ID: "bad", Root: types.NewCondition("a", types.OpBetween, types.Number(1))}
	if err := e.Load(bad); !errors.Is(err, types.ErrCompile) {
		t.Fatalf("Load() error = %v, want ErrCompile", err)
	}
	if e.Store().Contains("bad") {
		t.Error("invalid rule reached the store")
	}
	if rec.compileFail != 1 {
		t.Errorf("compile failures = %d, want 1", rec.compileFail)
	}
	if logs.FilterMessage("rule rejected").Len() != 1 {
		t.Errorf("expected one 'rule rejected' log, got %v", logs.All())
	}
}

func TestEngine_MaxRuleCost(t *testing.T) {
	e := newTestEngine(t, WithMaxRuleCost(CostRegex))
	expensive := &types.Rule{ID: "costly", Root: types.AllOf(
		types.NewCondition("a", types.OpRegex, types.String("x")),
		types.NewCondition("b", types.OpRegex, types.String("y")),
	)}
	err := e.Load(expensive)
	if !errors.Is(err, types.ErrCompile) {
		t.Fatalf("Load() error = %v, want ErrCompile for cost", err)
	}

	cheap := &types.Rule{ID: "cheap", Root: types.NewCondition("a", types.OpEq, types.Number(1))}
	if err := e.Load(cheap); err != nil {
		t.Errorf("Load(cheap) error = %v, want nil", err)
	}
}

func TestEngine_RecompilesReplacedRule(t *testing.T) {
	e := newTestEngine(t)
	ctx := mustContext(t, `{"tier":"gold"}`)

	v1 := &types.Rule{ID: "tier", Version: "1", Root: types.NewCondition("tier", types.OpEq, types.String("gold"))}
	if err := e.Load(v1); err != nil {
		t.Fatalf("Load(v1) error = %v", err)
	}
	if res, _ := e.Evaluate("tier", ctx); !res.Matched {
		t.Fatal("v1 should match")
	}

	// Same id and version written straight to the store still takes effect.
	v2 := &types.Rule{ID: "tier", Version: "1", Root: types.NewCondition("tier", types.OpEq, types.String("silver"))}
	if err := e.Store().Load(v2); err != nil {
		t.Fatalf("Store().Load(v2) error = %v", err)
	}
	if res, _ := e.Evaluate("tier", ctx); res.Matched {
		t.Error("stale compiled rule used after replacement")
	}
}

func TestEngine_LazyFallbackForStoreOnlyRules(t *testing.T) {
	e := newTestEngine(t)
	// Invalid second child, never reached when a is false.
	raw := &types.Rule{ID: "raw", Root: types.AllOf(
		types.NewCondition("a", types.OpEq, types.Bool(true)),
		types.NewCondition("b", types.OpIn, types.Number(1)),
	)}
	if err := e.Store().Load(raw); err != nil {
		t.Fatalf("Store().Load() error = %v", err)
	}

	res, err := e.Evaluate("raw", mustContext(t, `{"a":false}`))
	if err != nil || res.Matched {
		t.Errorf("Evaluate(short-circuit) = %v, %v; want false, nil", res.Matched, err)
	}
	if _, err := e.Evaluate("raw", mustContext(t, `{"a":true,"b":1}`)); !errors.Is(err, types.ErrExecution) {
		t.Errorf("Evaluate(visited) error = %v, want ErrExecution", err)
	}
}

func TestEngine_EvaluateAllSortedByID(t *testing.T) {
	e := newTestEngine(t)
	for _, id := range []types.RuleID{"c", "a", "b"} {
		if err := e.Load(&types.Rule{ID: id, Root: types.NewCondition("x", types.OpGt, types.Number(0))}); err != nil {
			t.Fatalf("Load(%s) error = %v", id, err)
		}
	}
	results, err := e.EvaluateAll(mustContext(t, `{"x":1}`))
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, want := range []types.RuleID{"a", "b", "c"} {
		if results[i].RuleID != want || !results[i].Matched {
			t.Errorf("results[%d] = %s matched=%v, want %s matched", i, results[i].RuleID, results[i].Matched, want)
		}
	}
}

func TestEngine_EvaluateAllReportsFailures(t *testing.T) {
	e := newTestEngine(t)
	_ = e.Load(&types.Rule{ID: "good", Root: types.NewCondition("x", types.OpEq, types.Number(1))})
	_ = e.Store().Load(&types.Rule{ID: "broken", Root: types.NewCondition("x", types.OpRegex, types.String("["))})

	results, err := e.EvaluateAll(mustContext(t, `{"x":1}`))
	if !errors.Is(err, types.ErrExecution) {
		t.Errorf("EvaluateAll() error = %v, want ErrExecution", err)
	}
	if len(results) != 1 || results[0].RuleID != "good" {
		t.Errorf("results = %+v, want only good", results)
	}
}

func TestEngine_Delete(t *testing.T) {
	rec := &countingRecorder{}
	e := newTestEngine(t, WithRecorder(rec))
	_ = e.Load(purchaseRule())
	if !e.Delete("rule-001") {
		t.Fatal("Delete() = false, want true")
	}
	if _, err := e.Evaluate("rule-001", nil); !errors.Is(err, types.ErrRuleNotFound) {
		t.Errorf("Evaluate() after delete error = %v", err)
	}
	if rec.stored != 0 {
		t.Errorf("stored gauge = %d, want 0", rec.stored)
	}
}

func TestEngine_SlowEvaluationLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := newTestEngine(t, WithLogger(zap.New(core)), WithSlowEvaluation(time.Nanosecond))
	_ = e.Load(&types.Rule{ID: "slow", Root: types.NewCondition("s", types.OpRegex, types.String(`(a|b|c)+d$`))})

	if _, err := e.Evaluate("slow", mustContext(t, `{"s":"abcabcabcabcabcabcabcabc"}`)); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if logs.FilterMessage("slow rule evaluation").Len() == 0 {
		t.Error("expected a slow rule evaluation warning")
	}
}

func TestEngine_ConcurrentLoadAndEvaluate(t *testing.T) {
	e := newTestEngine(t, WithCompiledCacheSize(2))
	ctx := mustContext(t, `{"n":5}`)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := types.RuleID([]string{"a", "b", "c", "d"}[g%4])
			for i := 0; i < 100; i++ {
				if g%2 == 0 {
					_ = e.Load(&types.Rule{ID: id, Root: types.NewCondition("n", types.OpGte, types.Number(float64(i%10)))})
					continue
				}
				if _, err := e.Evaluate(id, ctx); err != nil && !errors.Is(err, types.ErrRuleNotFound) {
					t.Errorf("Evaluate() error = %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestEngine_ConcurrentLoadSameIDAgreesWithStore(t *testing.T) {
	e := newTestEngine(t)
	ruleA := &types.Rule{ID: "r", Name: "A", Root: types.NewCondition("x", types.OpEq, types.Number(1))}
	ruleB := &types.Rule{ID: "r", Name: "B", Root: types.NewCondition("x", types.OpEq, types.Number(2))}
	ctx := mustContext(t, `{"x":1}`)

	for round := 0; round < 500; round++ {
		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, rule := range []*types.Rule{ruleA, ruleB} {
			wg.Add(1)
			go func(rule *types.Rule) {
				defer wg.Done()
				<-start
				if err := e.Load(rule); err != nil {
					t.Errorf("Load(%s) error = %v", rule.Name, err)
				}
			}(rule)
		}
		close(start)
		wg.Wait()

		stored, err := e.Store().Get("r")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		result, err := e.Evaluate("r", ctx)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if result.RuleName != stored.Name {
			t.Fatalf("round %d: evaluated %q but store holds %q", round, result.RuleName, stored.Name)
		}
		if result.Matched != (stored.Name == "A") {
			t.Fatalf("round %d: rule %q Matched = %v", round, stored.Name, result.Matched)
		}
	}
}

func TestEngine_StoreReplacementInvalidatesCompiled(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Load(&types.Rule{ID: "r", Name: "A", Root: types.NewCondition("x", types.OpEq, types.Number(1))}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// Written behind the engine's back, as a writer that lost the race would.
	if err := e.Store().Load(&types.Rule{ID: "r", Name: "B", Root: types.NewCondition("x", types.OpEq, types.Number(2))}); err != nil {
		t.Fatalf("Store().Load() error = %v", err)
	}

	result, err := e.Evaluate("r", mustContext(t, `{"x":1}`))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.RuleName != "B" || result.Matched {
		t.Errorf("Evaluate() = %q matched=%v, want B unmatched", result.RuleName, result.Matched)
	}
}
