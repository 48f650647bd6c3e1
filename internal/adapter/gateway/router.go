// Package gateway orchestrates the invocation pipeline: resolve the
// tool, consult the breaker and limiter, try the cache, dispatch
// downstream, then record the outcome everywhere that cares.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

const toolCacheType = "tool"

// Options tune the router without threading a full config through.
type Options struct {
	// TimeoutMultiplier scales each server's health check timeout into
	// its invocation deadline.
	TimeoutMultiplier int
}

// Router implements ports.Router.
type Router struct {
	servers  ports.ServerStore
	registry ports.ToolRegistry
	breakers ports.BreakerRegistry
	limiter  ports.RateLimiter
	cache    ports.ResponseCache
	pool     ports.ConnectionPool
	bus      ports.EventPublisher
	usage    ports.UsageStore
	log      *logger.StyledLogger
	opts     Options
	now      func() time.Time
}

func NewRouter(
	servers ports.ServerStore,
	registry ports.ToolRegistry,
	breakers ports.BreakerRegistry,
	limiter ports.RateLimiter,
	cache ports.ResponseCache,
	pool ports.ConnectionPool,
	bus ports.EventPublisher,
	usage ports.UsageStore,
	opts Options,
	log *logger.StyledLogger,
) *Router {
	return &Router{
		servers:  servers,
		registry: registry,
		breakers: breakers,
		limiter:  limiter,
		cache:    cache,
		pool:     pool,
		bus:      bus,
		usage:    usage,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

// Invoke runs the full pipeline for one tool call. The result always
// carries success, toolName, and wall-clock duration; serverId and the
// limiter/breaker blocks appear once those stages are reached.
func (r *Router) Invoke(ctx context.Context, toolName string, params map[string]any, callerID string) domain.InvocationResult {
	started := r.now()
	finish := func(res domain.InvocationResult) domain.InvocationResult {
		res.DurationMs = r.now().Sub(started).Milliseconds()
		return res
	}

	// Step 1: resolve the tool.
	entry, ok := r.registry.Find(toolName)
	if !ok {
		return finish(domain.InvocationResult{
			ToolName: toolName,
			Error:    (&domain.NotFoundError{Kind: "tool", Name: toolName}).Error(),
		})
	}

	result := domain.InvocationResult{
		ServerID: entry.ServerID,
		ToolName: entry.QualifiedName,
	}

	// Step 2: breaker gate.
	breaker := r.breakers.Get(entry.ServerID)
	if !breaker.CanExecute() {
		retry := breaker.TimeUntilRetry()
		result.Error = (&domain.CircuitOpenError{ServerName: entry.ServerName, RetryAfter: retry}).Error()
		result.CircuitBreaker = &domain.CircuitBreakerInfo{
			State:        domain.BreakerOpen,
			RetryAfterMs: retry.Milliseconds(),
		}
		return finish(result)
	}

	cfg, err := r.servers.Get(ctx, entry.ServerID)
	if err != nil {
		result.Error = err.Error()
		return finish(result)
	}

	// Step 3: rate limit. Anonymous callers share a per-server bucket.
	limiterKey := callerID
	if limiterKey == "" {
		limiterKey = "server:" + entry.ServerID
	}
	limit, err := r.limiter.Check(ctx, limiterKey, entry.ServerID, cfg.RateLimits)
	if err != nil {
		r.log.Warn("rate limit check failed open", "server", entry.ServerName, "error", err.Error())
	} else {
		result.RateLimit = &domain.RateLimitInfo{
			Remaining:    limit.MinuteRemaining,
			ResetAt:      limit.MinuteResetAt.UTC().Format(time.RFC3339),
			DayRemaining: limit.DayRemaining,
			DayResetAt:   limit.DayResetAt.UTC().Format(time.RFC3339),
		}
		if !limit.Allowed {
			result.RateLimit.RetryAfterMs = limit.RetryAfter.Milliseconds()
			result.Error = (&domain.RateLimitedError{
				RetryAfter:      limit.RetryAfter,
				MinuteRemaining: limit.MinuteRemaining,
				DayRemaining:    limit.DayRemaining,
				MinuteResetAt:   limit.MinuteResetAt,
				DayResetAt:      limit.DayResetAt,
			}).Error()
			return finish(result)
		}
	}

	// Step 4: cache. A hit counts as a success for the breaker and the
	// usage stats; the limiter token is already spent.
	if cached, hit := r.cache.Get(ctx, toolCacheType, entry.ServerID, entry.Name, params); hit {
		breaker.RecordSuccess()
		r.registry.RecordUsage(entry.QualifiedName, r.now())
		result.Success = true
		result.Cached = true
		result.Data = cached
		res := finish(result)
		r.record(ctx, callerID, entry, res)
		return res
	}

	// Step 5: live client. A missing connection is an operator problem,
	// not a downstream failure; the breaker stays out of it.
	client, ok := r.pool.Client(entry.ServerID)
	if !ok {
		result.Error = (&domain.NotConnectedError{ServerID: entry.ServerID, ServerName: entry.ServerName}).Error()
		return finish(result)
	}

	// Step 6: dispatch under the server's deadline.
	timeout := cfg.InvocationTimeout(r.opts.TimeoutMultiplier)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	data, callErr := client.CallTool(callCtx, entry.Name, params)
	cancel()

	if callErr != nil {
		if errors.Is(callErr, context.Canceled) {
			breaker.RecordCancellation()
			result.Error = callErr.Error()
			return finish(result)
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			callErr = &domain.TimeoutError{ServerName: entry.ServerName, Timeout: timeout}
		}

		// Step 8: downstream failure.
		breaker.RecordFailure()
		result.Error = callErr.Error()
		res := finish(result)

		r.bus.Publish(domain.NewEvent(domain.EventToolError, entry.ServerID, map[string]any{
			"toolName": entry.QualifiedName,
			"error":    res.Error,
		}))
		r.record(ctx, callerID, entry, res)
		return res
	}

	// Step 7: success.
	ttl := cfg.Metadata.CacheTTL
	if ttl <= 0 {
		ttl = domain.DefaultCacheTTL
	}
	if err := r.cache.Set(ctx, toolCacheType, entry.ServerID, entry.Name, params, data, ttl); err != nil {
		r.log.Warn("cache write failed", "tool", entry.QualifiedName, "error", err.Error())
	}

	breaker.RecordSuccess()
	r.registry.RecordUsage(entry.QualifiedName, r.now())

	result.Success = true
	result.Data = data
	res := finish(result)
	r.record(ctx, callerID, entry, res)
	return res
}

// InvokeBatch runs every request through the full pipeline in parallel
// and returns results in input order. No partial abort: one failing
// entry never cancels its siblings.
func (r *Router) InvokeBatch(ctx context.Context, reqs []domain.InvocationRequest, callerID string) []domain.InvocationResult {
	results := make([]domain.InvocationResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req domain.InvocationRequest) {
			defer wg.Done()
			results[i] = r.Invoke(ctx, req.ToolName, req.Params, callerID)
		}(i, req)
	}
	wg.Wait()
	return results
}

// record emits tool.invoked and writes the usage row. Both are
// best-effort; the caller already has their result.
func (r *Router) record(ctx context.Context, callerID string, entry *domain.ToolEntry, res domain.InvocationResult) {
	fields := map[string]any{
		"toolName":   entry.QualifiedName,
		"durationMs": res.DurationMs,
		"success":    res.Success,
		"cached":     res.Cached,
	}
	if callerID != "" {
		fields["callerId"] = callerID
	}
	r.bus.Publish(domain.NewEvent(domain.EventToolInvoked, entry.ServerID, fields))

	if r.usage != nil {
		if err := r.usage.RecordUsage(ctx, callerID, entry.ServerID, entry.QualifiedName, res.DurationMs, res.Success); err != nil {
			r.log.Debug("usage record failed", "tool", entry.QualifiedName, "error", err)
		}
	}
}
