package meander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// NodeExecutor runs one node variant. Executors are stateless and
// reentrant: a single instance serves every execution concurrently, with
// all mutable state on the ExecutionContext.
type NodeExecutor interface {
	Kind() NodeKind
	Execute(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error)
}

// GenericHandler executes a Generic node matching its registered type tag.
type GenericHandler func(ctx context.Context, node *Node, ec *ExecutionContext) (NodeResult, error)

// ExecutionContext is the per-execution environment threaded through every
// node dispatch: the owned state, the shared workflow, and the registries
// and collaborators the executors need. It replaces any ambient or
// thread-local state so executions migrate freely between workers.
type ExecutionContext struct {
	State       *ExecutionState
	Workflow    *Workflow
	Agents      *AgentRegistry
	Actions     *ActionRegistry
	Tools       *ToolRegistry
	Executors   *ExecutorRegistry
	Planner     Planner
	Plans       *PlanExecutor
	Observer    Observer
	Validator   *OutputValidator
	Pool        *Pool
	Tracer      Tracer
	Credentials Credentials
	Logger      *slog.Logger
}

// child returns a copy of the context whose state is an isolated clone of
// the parent's. Parallel children run on such copies; the parent merges
// their context mutations after the join.
func (ec *ExecutionContext) child() *ExecutionContext {
	clone := *ec
	st := *ec.State
	st.Context = copyContext(ec.State.Context)
	st.History = copyHistory(ec.State.History)
	clone.State = &st
	return &clone
}

// agent resolves an agent id against the registry, consulting the
// workflow's bindings and providers when no instance is registered.
func (ec *ExecutionContext) agent(id string) (Agent, error) {
	if a, err := ec.Agents.Agent(id); err == nil {
		return a, nil
	}
	for _, b := range ec.Workflow.Bindings {
		if b.AgentID == id {
			return ec.Agents.Resolve(b, ec.Credentials)
		}
	}
	return nil, &ErrConfig{Kind: "agent", ID: id, Reason: "not registered"}
}

// ExecutorRegistry maps node kinds to executors and generic type tags to
// handlers. NewExecutorRegistry registers every built-in variant; there is
// no runtime discovery.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[NodeKind]NodeExecutor
	generic   map[string]GenericHandler
}

// NewExecutorRegistry creates a registry with all built-in node executors
// registered.
func NewExecutorRegistry() *ExecutorRegistry {
	r := &ExecutorRegistry{
		executors: make(map[NodeKind]NodeExecutor),
		generic:   make(map[string]GenericHandler),
	}
	r.Register(&StandardExecutor{})
	r.Register(&ParallelExecutor{})
	r.Register(&ForkJoinExecutor{})
	r.Register(&LoopExecutor{})
	r.Register(&ActionExecutor{})
	r.Register(&GenericExecutor{})
	r.Register(&EndExecutor{})
	return r
}

// Register adds an executor for its node kind, replacing any previous one.
func (r *ExecutorRegistry) Register(e NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// RegisterGeneric adds a handler for Generic nodes with the given type tag.
func (r *ExecutorRegistry) RegisterGeneric(typeTag string, h GenericHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generic[typeTag] = h
}

func (r *ExecutorRegistry) executorFor(kind NodeKind) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, &ErrConfig{Kind: "node", ID: string(kind), Reason: "no executor registered"}
	}
	return e, nil
}

func (r *ExecutorRegistry) genericHandler(typeTag string) (GenericHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.generic[typeTag]
	if !ok {
		return nil, &ErrConfig{Kind: "node", ID: typeTag, Reason: "no generic handler registered"}
	}
	return h, nil
}

// Dispatch runs node through its registered executor and converts every
// failure mode into a NodeResult: executor errors become failure results,
// a node timeout becomes a failure with reason "timeout", and successful
// output that fails validation becomes a structured failure. Node-level
// failures never unwind the driver.
func (r *ExecutorRegistry) Dispatch(ctx context.Context, node *Node, ec *ExecutionContext) NodeResult {
	if err := ctx.Err(); err != nil {
		return FailureResult(fmt.Sprintf("cancelled: %v", err))
	}
	exec, err := r.executorFor(node.Kind)
	if err != nil {
		return FailureResult(err.Error())
	}

	runCtx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	result, err := exec.Execute(runCtx, node, ec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return FailureResult("timeout")
		}
		return FailureResult(err.Error())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return FailureResult("timeout")
	}

	if ec.Validator != nil && result.Output != "" {
		if verr := ec.Validator.Validate(result.Output); verr != nil {
			return FailureResult(verr.Error()).withMeta("node", node.ID)
		}
	}
	return result
}

// Pool bounds the goroutines an execution may fan out to. Parallel and
// ForkJoin nodes submit children through the pool; submission blocks until
// a slot frees or ctx is done.
type Pool struct {
	sem chan struct{}
}

// defaultPoolSize bounds parallel fan-out when no pool is configured.
const defaultPoolSize = 10

// NewPool creates a pool with the given number of slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit runs fn on its own goroutine once a slot is free. It returns
// ctx.Err() without running fn when the context ends first.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sem <- struct{}{}:
	}
	go func() {
		defer func() { <-p.sem }()
		fn()
	}()
	return nil
}
