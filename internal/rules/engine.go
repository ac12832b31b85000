// internal/rules/engine.go
package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Engine ties the Store, the compiler and the Executor together for
 * service use.
 *
 * Load compiles before storing, so a rule that reaches the store through the
 * Engine is known valid. Compiled forms are kept in a bounded LRU keyed by
 * rule id; each entry remembers which stored *types.Rule it was built from
 * and is rebuilt when the store holds a different one. Rules written to the
 * Store directly that fail compilation are still evaluable: they run through
 * ExecuteRule with lazy validation.
 */

// Recorder receives evaluation telemetry. observability.Metrics implements it.
type Recorder interface {
	ObserveEvaluation(ruleID types.RuleID, matched bool, err error, d time.Duration)
	CompileFailed()
	SetStoredRules(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvaluation(types.RuleID, bool, error, time.Duration) {}
func (nopRecorder) CompileFailed()                                             {}
func (nopRecorder) SetStoredRules(int)                                         {}

// DefaultCompiledCacheSize bounds the compiled-rule LRU.
const DefaultCompiledCacheSize = 4096

type cacheEntry struct {
	source   *types.Rule
	compiled *CompiledRule
}

// Engine provides rule loading and evaluation for services.
type Engine struct {
	store     *Store
	exec      *Executor
	cache     *lru.Cache[types.RuleID, cacheEntry]
	cacheSize int
	recorder  Recorder
	log       *zap.Logger
	maxCost   int
	slow      time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithCompiledCacheSize bounds the number of cached compiled rules.
func WithCompiledCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// WithMaxRuleCost rejects rules whose static cost exceeds n. Zero disables
// the check.
func WithMaxRuleCost(n int) Option {
	return func(e *Engine) { e.maxCost = n }
}

// WithSlowEvaluation logs evaluations slower than d. Zero disables it.
func WithSlowEvaluation(d time.Duration) Option {
	return func(e *Engine) { e.slow = d }
}

// NewEngine creates an engine over store. A nil store gets a default one.
func NewEngine(store *Store, opts ...Option) (*Engine, error) {
	if store == nil {
		store = NewStore(0)
	}
	e := &Engine{
		store:     store,
		exec:      NewExecutor(),
		cacheSize: DefaultCompiledCacheSize,
		recorder:  nopRecorder{},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cacheSize <= 0 {
		e.cacheSize = DefaultCompiledCacheSize
	}
	cache, err := lru.New[types.RuleID, cacheEntry](e.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create compiled rule cache: %w", err)
	}
	e.cache = cache
	e.recorder.SetStoredRules(store.Len())
	return e, nil
}

// Store returns the underlying store.
func (e *Engine) Store() *Store {
	return e.store
}

// Compile validates rule and applies the engine's cost ceiling.
func (e *Engine) Compile(rule *types.Rule) (*CompiledRule, error) {
	compiled, err := Compile(rule)
	if err != nil {
		return nil, err
	}
	if e.maxCost > 0 && compiled.Cost() > e.maxCost {
		return nil, &types.RuleError{
			Kind:   types.ErrCompile,
			RuleID: string(rule.ID),
			Path:   "root",
			Detail: fmt.Sprintf("rule cost %d exceeds limit %d", compiled.Cost(), e.maxCost),
		}
	}
	return compiled, nil
}

// Load compiles rule and stores it, replacing any rule with the same id.
func (e *Engine) Load(rule *types.Rule) error {
	if rule == nil {
		return &types.RuleError{Kind: types.ErrInvalidRuleID, Detail: "rule is nil"}
	}
	if err := rule.ID.Validate(); err != nil {
		return err
	}
	compiled, err := e.Compile(rule)
	if err != nil {
		e.recorder.CompileFailed()
		e.log.Warn("rule rejected", zap.String("rule_id", string(rule.ID)), zap.Error(err))
		return err
	}
	stored, err := e.store.insert(rule)
	if err != nil {
		return err
	}
	// Keyed to our own copy: if a concurrent Load replaced it already, the
	// entry is stale on arrival and the next Evaluate rebuilds it.
	e.cache.Add(rule.ID, cacheEntry{source: stored, compiled: compiled})
	e.recorder.SetStoredRules(e.store.Len())
	e.log.Debug("rule loaded",
		zap.String("rule_id", string(rule.ID)),
		zap.String("version", rule.Version),
		zap.Int("cost", compiled.Cost()))
	return nil
}

// Delete removes a rule and reports whether it existed.
func (e *Engine) Delete(id types.RuleID) bool {
	e.cache.Remove(id)
	ok := e.store.Delete(id)
	e.recorder.SetStoredRules(e.store.Len())
	return ok
}

// RuleIDs lists the loaded rules in ascending id order.
func (e *Engine) RuleIDs() []types.RuleID {
	return e.store.IDs()
}

// Evaluate runs the rule stored under id against ctx.
func (e *Engine) Evaluate(id types.RuleID, ctx *EvaluationContext) (EvaluationResult, error) {
	stored, ok := e.store.lookup(id)
	if !ok {
		return EvaluationResult{}, notFound(id)
	}
	return e.evaluate(stored, ctx)
}

// EvaluateAll runs every stored rule against ctx and returns the results
// ordered by rule id. Rules that fail evaluation are omitted from the results
// and reported in the joined error.
func (e *Engine) EvaluateAll(ctx *EvaluationContext) ([]EvaluationResult, error) {
	var stored []*types.Rule
	e.store.rangeShared(func(r *types.Rule) bool {
		stored = append(stored, r)
		return true
	})
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })

	results := make([]EvaluationResult, 0, len(stored))
	var errs []error
	for _, r := range stored {
		res, err := e.evaluate(r, ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (e *Engine) evaluate(stored *types.Rule, ctx *EvaluationContext) (EvaluationResult, error) {
	var (
		res EvaluationResult
		err error
	)
	if compiled := e.compiled(stored); compiled != nil {
		res, err = e.exec.Execute(compiled, ctx)
	} else {
		res, err = e.exec.ExecuteRule(stored, ctx)
	}

	d := time.Duration(res.EvaluationTimeMs * float64(time.Millisecond))
	e.recorder.ObserveEvaluation(stored.ID, res.Matched, err, d)
	if err != nil {
		e.log.Warn("rule evaluation failed", zap.String("rule_id", string(stored.ID)), zap.Error(err))
		return res, err
	}
	if e.slow > 0 && d > e.slow {
		e.log.Warn("slow rule evaluation",
			zap.String("rule_id", string(stored.ID)),
			zap.Duration("duration", d),
			zap.Duration("threshold", e.slow))
	}
	if ce := e.log.Check(zap.DebugLevel, "rule evaluated"); ce != nil {
		ce.Write(
			zap.String("rule_id", string(stored.ID)),
			zap.Bool("matched", res.Matched),
			zap.Strings("trace", res.EvaluationTrace))
	}
	return res, nil
}

// compiled returns the cached compiled form of stored, compiling on a miss.
// Returns nil if the rule does not compile; the failure is cached too.
func (e *Engine) compiled(stored *types.Rule) *CompiledRule {
	if entry, ok := e.cache.Get(stored.ID); ok && entry.source == stored {
		return entry.compiled
	}
	compiled, err := e.Compile(stored)
	if err != nil {
		e.recorder.CompileFailed()
		e.log.Warn("stored rule does not compile, evaluating lazily",
			zap.String("rule_id", string(stored.ID)), zap.Error(err))
		compiled = nil
	}
	e.cache.Add(stored.ID, cacheEntry{source: stored, compiled: compiled})
	return compiled
}
