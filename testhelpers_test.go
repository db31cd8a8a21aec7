package meander

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// leaseTable is the shared lease state behind memLeases. Several views with
// different node ids may share one table, mimicking a multi-node cluster
// over one database.
type leaseTable struct {
	mu     sync.Mutex
	owners map[string]string
	beats  map[string]time.Time
}

func newLeaseTable() *leaseTable {
	return &leaseTable{
		owners: make(map[string]string),
		beats:  make(map[string]time.Time),
	}
}

func leaseKey(tenantID, executionID string) string {
	return tenantID + "/" + executionID
}

// memLeases is an in-memory LeaseManager view over a shared table.
type memLeases struct {
	table  *leaseTable
	nodeID string
}

var _ LeaseManager = (*memLeases)(nil)

func newMemLeases(table *leaseTable, nodeID string) *memLeases {
	return &memLeases{table: table, nodeID: nodeID}
}

func (m *memLeases) Acquire(ctx context.Context, tenantID, executionID string) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	key := leaseKey(tenantID, executionID)
	if owner, ok := m.table.owners[key]; ok && owner != m.nodeID {
		return fmt.Errorf("acquire %s: %w", executionID, ErrLeaseHeld)
	}
	m.table.owners[key] = m.nodeID
	m.table.beats[key] = time.Now()
	return nil
}

func (m *memLeases) Release(ctx context.Context, tenantID, executionID string) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	key := leaseKey(tenantID, executionID)
	delete(m.table.owners, key)
	delete(m.table.beats, key)
	return nil
}

func (m *memLeases) UpdateHeartbeats(ctx context.Context) (int, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	n := 0
	for key, owner := range m.table.owners {
		if owner == m.nodeID {
			m.table.beats[key] = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *memLeases) ClaimStaleExecutions(ctx context.Context, threshold time.Duration) ([]Lease, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var claimed []Lease
	for key, owner := range m.table.owners {
		if owner == m.nodeID || !m.table.beats[key].Before(cutoff) {
			continue
		}
		m.table.owners[key] = m.nodeID
		m.table.beats[key] = time.Now()
		tenantID, executionID, _ := cutKey(key)
		claimed = append(claimed, Lease{
			TenantID:      tenantID,
			ExecutionID:   executionID,
			ServerNodeID:  m.nodeID,
			LastHeartbeat: m.table.beats[key],
		})
	}
	return claimed, nil
}

func (m *memLeases) IsActive(ctx context.Context, tenantID, executionID string) (bool, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	_, ok := m.table.owners[leaseKey(tenantID, executionID)]
	return ok, nil
}

func (m *memLeases) ThisNodeID() string { return m.nodeID }

func cutKey(key string) (tenantID, executionID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", key, false
}

// memSnapshots is an in-memory SnapshotRepository.
type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	saves int
}

var _ SnapshotRepository = (*memSnapshots)(nil)

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[string]*Snapshot)}
}

func (m *memSnapshots) Save(ctx context.Context, tenantID string, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[leaseKey(tenantID, snap.ExecutionID)] = snap
	m.saves++
	return nil
}

func (m *memSnapshots) FindByExecutionID(ctx context.Context, tenantID, executionID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[leaseKey(tenantID, executionID)]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", executionID, ErrNotFound)
	}
	return snap, nil
}

func (m *memSnapshots) FindPaused(ctx context.Context, tenantID string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for key, snap := range m.snaps {
		t, _, _ := cutKey(key)
		if t == tenantID && snap.CurrentNode != TerminalNode {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *memSnapshots) FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for key, snap := range m.snaps {
		t, _, _ := cutKey(key)
		if t == tenantID && snap.WorkflowID == workflowID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *memSnapshots) Delete(ctx context.Context, tenantID, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, leaseKey(tenantID, executionID))
	return nil
}

func (m *memSnapshots) DeleteAllForTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.snaps {
		if t, _, _ := cutKey(key); t == tenantID {
			delete(m.snaps, key)
		}
	}
	return nil
}

// ctxAwareSnapshots decorates memSnapshots and refuses writes once the
// caller's context has ended, the way a real database driver would.
type ctxAwareSnapshots struct {
	*memSnapshots
}

func (c ctxAwareSnapshots) Save(ctx context.Context, tenantID string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memSnapshots.Save(ctx, tenantID, snap)
}

// ctxAwareLeases decorates memLeases the same way.
type ctxAwareLeases struct {
	*memLeases
}

func (c ctxAwareLeases) Acquire(ctx context.Context, tenantID, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memLeases.Acquire(ctx, tenantID, executionID)
}

func (c ctxAwareLeases) Release(ctx context.Context, tenantID, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memLeases.Release(ctx, tenantID, executionID)
}

// memWorkflows satisfies WorkflowSource for sweeper tests.
type memWorkflows struct {
	mu  sync.Mutex
	wfs map[string]*Workflow
}

var _ WorkflowSource = (*memWorkflows)(nil)

func newMemWorkflows(wfs ...*Workflow) *memWorkflows {
	m := &memWorkflows{wfs: make(map[string]*Workflow)}
	for _, wf := range wfs {
		m.wfs[leaseKey(wf.TenantID, wf.ID)] = wf
	}
	return m
}

func (m *memWorkflows) FindByID(ctx context.Context, tenantID, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.wfs[leaseKey(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return wf, nil
}

// recordObserver captures lifecycle events for assertions.
type recordObserver struct {
	NopObserver
	mu          sync.Mutex
	events      []string
	fields      []map[string]any
	checkpoints int
}

func (o *recordObserver) OnEvent(executionID, name string, fields map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, name)
	o.fields = append(o.fields, fields)
}

func (o *recordObserver) OnCheckpoint(executionID string, snap *Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkpoints++
}

func (o *recordObserver) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.events {
		if e == name {
			n++
		}
	}
	return n
}

// promptAgent wraps a StubAgent and records the prompts it receives.
type promptAgent struct {
	*StubAgent
	mu      sync.Mutex
	prompts []string
}

func newPromptAgent(id string, responses ...AgentResponse) *promptAgent {
	return &promptAgent{StubAgent: NewStubAgent(id, responses...)}
}

func (a *promptAgent) Execute(ctx context.Context, prompt string, execContext map[string]any) (AgentResponse, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	a.mu.Unlock()
	return a.StubAgent.Execute(ctx, prompt, execContext)
}

// endNode builds an End node.
func endNode(id string, exit ExitStatus) *Node {
	return &Node{ID: id, Kind: KindEnd, Exit: exit}
}

// standardNode builds a Standard node routing success to next.
func standardNode(id, agentID, next string) *Node {
	return &Node{
		ID:          id,
		Kind:        KindStandard,
		AgentID:     agentID,
		Transitions: []Transition{{Kind: TransitionSuccess, Target: next}},
	}
}

// testContext builds an ExecutionContext for direct executor tests.
func testContext(wf *Workflow, agents *AgentRegistry) *ExecutionContext {
	if agents == nil {
		agents = NewAgentRegistry()
	}
	return &ExecutionContext{
		State:     NewExecutionState(wf, nil),
		Workflow:  wf,
		Agents:    agents,
		Actions:   NewActionRegistry(),
		Tools:     NewToolRegistry(),
		Executors: NewExecutorRegistry(),
		Plans:     NewPlanExecutor(),
		Observer:  NopObserver{},
		Validator: NewOutputValidator(),
		Pool:      NewPool(4),
	}
}
