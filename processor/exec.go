package processor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/tools"
)

// executedCall pairs a call with its outcome.
type executedCall struct {
	call   relay.ToolCall
	result tools.Result
}

// executeTool runs one call through the registry. Failures come back as
// failed results, never panics or errors.
func (p *Processor) executeTool(ctx context.Context, call relay.ToolCall) (result tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processor: tool panicked", "tool", call.FunctionName, "panic", r)
			result = tools.Fail("Error executing tool: %v", r)
		}
	}()

	slog.Debug("processor: executing tool", "tool", call.FunctionName)
	return p.registry.Invoke(ctx, call.FunctionName, call.Arguments)
}

// executeTools runs calls under the selected strategy.
func (p *Processor) executeTools(ctx context.Context, calls []relay.ToolCall, strategy ExecutionStrategy) []executedCall {
	if len(calls) == 0 {
		return nil
	}
	slog.Info("processor: executing tools", "count", len(calls), "strategy", strategy)

	if strategy == ExecuteParallel {
		return p.executeParallel(ctx, calls)
	}
	return p.executeSequential(ctx, calls)
}

// executeSequential runs calls one after another. A terminating tool
// stops execution of the remainder.
func (p *Processor) executeSequential(ctx context.Context, calls []relay.ToolCall) []executedCall {
	results := make([]executedCall, 0, len(calls))
	for _, call := range calls {
		results = append(results, executedCall{call: call, result: p.executeTool(ctx, call)})
		if relay.IsTerminatingTool(call.FunctionName) {
			slog.Info("processor: terminating tool executed, stopping remaining tools", "tool", call.FunctionName)
			break
		}
	}
	return results
}

// executeParallel runs all calls concurrently and preserves input order
// in the result slice.
func (p *Processor) executeParallel(ctx context.Context, calls []relay.ToolCall) []executedCall {
	results := make([]executedCall, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call relay.ToolCall) {
			defer wg.Done()
			results[i] = executedCall{call: call, result: p.executeTool(ctx, call)}
		}(i, call)
	}
	wg.Wait()
	return results
}

// pendingExecution is a tool dispatched during streaming whose result
// is awaited in the drain phase.
type pendingExecution struct {
	tc   *toolContext
	done chan tools.Result
}

// dispatch starts a streamed tool execution.
func (p *Processor) dispatch(ctx context.Context, tc *toolContext) *pendingExecution {
	pe := &pendingExecution{
		tc:   tc,
		done: make(chan tools.Result, 1),
	}
	go func() {
		pe.done <- p.executeTool(ctx, tc.call)
	}()
	return pe
}
