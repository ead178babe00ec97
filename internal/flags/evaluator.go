package flags

import (
	"context"

	"github.com/rs/zerolog"
)

// Evaluator implements Evaluate/IsEnabled/ShouldActivatePlugin over a Store,
// delegating rule/condition/percentage matching to conditions.go.
type Evaluator struct {
	store  *Store
	cache  *Cache
	logger zerolog.Logger
}

// NewEvaluator builds an Evaluator over store, caching through cache.
func NewEvaluator(store *Store, cache *Cache, logger zerolog.Logger) *Evaluator {
	return &Evaluator{store: store, cache: cache, logger: logger.With().Str("component", "flag-evaluator").Logger()}
}

// Evaluate applies the five-step precedence: unknown flag -> ERROR;
// most-specific non-expired override -> OVERRIDE; dependency mismatch ->
// false/DEPENDENCY; first matching active rule -> RULE(i); otherwise
// defaultValue -> DEFAULT.
func (e *Evaluator) Evaluate(key string, ctx Context) Result {
	flag, ok := e.store.Get(key)
	if !ok {
		return Result{Reason: ReasonError, ErrorMessage: "flag not found: " + key}
	}

	if ov, found := e.store.bestOverride(key, ctx); found {
		return Result{Value: ov.Value, Reason: ReasonOverride}
	}

	for _, dep := range flag.Dependencies {
		if dep.Key == flag.Key {
			continue
		}
		depResult := e.Evaluate(dep.Key, ctx)
		if depResult.Value != dep.Value {
			return Result{Value: false, Reason: ReasonDependency}
		}
	}

	for i, rule := range flag.Rules {
		if !rule.Active {
			continue
		}
		if !allConditionsMatch(rule.Conditions, ctx) {
			continue
		}
		if rule.Percentage != nil && stableBucket(ctx) >= *rule.Percentage {
			continue
		}
		return Result{Value: rule.Value, Reason: ReasonRule, RuleIndex: i}
	}

	return Result{Value: flag.DefaultValue, Reason: ReasonDefault}
}

func allConditionsMatch(conditions []Condition, ctx Context) bool {
	for _, c := range conditions {
		if !matchCondition(c, ctx) {
			return false
		}
	}
	return true
}

// IsEnabled checks the cache first; on miss it evaluates and caches the
// boolean. Any panic during evaluation degrades to false and is logged,
// never propagated to the caller.
func (e *Evaluator) IsEnabled(ctx context.Context, key string, evalCtx Context) (result bool) {
	hash := ContextHash(evalCtx)
	if cached, ok := e.cache.Get(ctx, key, hash); ok {
		return cached
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("key", key).Interface("panic", r).Msg("flag evaluation panicked, degrading to false")
			result = false
		}
	}()

	eval := e.Evaluate(key, evalCtx)
	if eval.Reason == ReasonError {
		e.logger.Warn().Str("key", key).Str("error", eval.ErrorMessage).Msg("flag evaluation error, degrading to false")
		return false
	}
	e.cache.Set(ctx, key, hash, eval.Value)
	return eval.Value
}

// ShouldActivatePlugin returns true when no stored flag names pluginId in
// its Plugins list, or when every such flag evaluates true for ctx.
func (e *Evaluator) ShouldActivatePlugin(ctx context.Context, pluginID string, evalCtx Context) bool {
	gating := e.store.flagsGatingPlugin(pluginID)
	if len(gating) == 0 {
		return true
	}
	for _, key := range gating {
		if !e.IsEnabled(ctx, key, evalCtx) {
			return false
		}
	}
	return true
}
