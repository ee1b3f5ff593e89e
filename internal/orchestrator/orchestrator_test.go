package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyvault/coordinator/internal/audit"
	"github.com/partyvault/coordinator/internal/coordinator"
	"github.com/partyvault/coordinator/internal/coordinatorerr"
	"github.com/partyvault/coordinator/internal/dataset"
	"github.com/partyvault/coordinator/internal/proof"
	"github.com/partyvault/coordinator/internal/resiliency"
)

// --- in-memory fakes for coordinator.Machine's dependencies ---

type memRequestStore struct {
	mu       sync.Mutex
	requests map[string]*coordinator.Request
	votes    map[string][]coordinator.Vote
}

func newMemRequestStore() *memRequestStore {
	return &memRequestStore{requests: make(map[string]*coordinator.Request), votes: make(map[string][]coordinator.Vote)}
}

func (m *memRequestStore) SaveRequest(_ context.Context, r *coordinator.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memRequestStore) GetRequest(_ context.Context, id string) (*coordinator.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	cp.Votes = append([]coordinator.Vote(nil), m.votes[id]...)
	return &cp, true, nil
}

func (m *memRequestStore) ListRequests(_ context.Context) ([]*coordinator.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*coordinator.Request, 0, len(m.requests))
	for _, r := range m.requests {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRequestStore) AppendVote(_ context.Context, requestID string, v coordinator.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes[requestID] = append(m.votes[requestID], v)
	return nil
}

type fakeParties struct{ registered map[string]bool }

func (f *fakeParties) IsRegistered(_ context.Context, principal string) (bool, error) {
	return f.registered[principal], nil
}

func (f *fakeParties) AllPrincipals(_ context.Context) ([]string, error) {
	var out []string
	for p, ok := range f.registered {
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeParties) NameOf(_ context.Context, principal string) (string, error) { return principal, nil }

type fakeAuth struct {
	mu       sync.Mutex
	invalidated map[string]bool
}

func newFakeAuth() *fakeAuth { return &fakeAuth{invalidated: make(map[string]bool)} }

func (f *fakeAuth) IssueAuthorization(requestID string, _ time.Duration) (string, error) {
	return "token-for-" + requestID, nil
}

func (f *fakeAuth) InvalidateAuthorization(tokenStr, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated[tokenStr] = true
}

// --- in-memory dataset store ---

type memDatasetStore struct {
	mu       sync.Mutex
	datasets map[string]*dataset.Dataset
}

func newMemDatasetStore() *memDatasetStore {
	return &memDatasetStore{datasets: make(map[string]*dataset.Dataset)}
}

func (m *memDatasetStore) SaveDataset(_ context.Context, d *dataset.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.datasets[d.ID] = &cp
	return nil
}

func (m *memDatasetStore) GetDataset(_ context.Context, id string) (*dataset.Dataset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

func (m *memDatasetStore) ListDatasets(_ context.Context) ([]*dataset.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*dataset.Dataset, 0, len(m.datasets))
	for _, d := range m.datasets {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memDatasetStore) AddAccess(_ context.Context, id, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.datasets[id]
	d.AccessList = append(d.AccessList, principal)
	return nil
}

// --- in-memory proof store ---

type memProofStore struct {
	mu      sync.Mutex
	records []*proof.Record
}

func (m *memProofStore) SaveProof(_ context.Context, r *proof.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memProofStore) ListProofs(_ context.Context) ([]*proof.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*proof.Record(nil), m.records...), nil
}

func (m *memProofStore) GetProofsForRequest(_ context.Context, requestID string) ([]*proof.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*proof.Record
	for _, r := range m.records {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- fake limiter, unwrapper, oracle, auditor ---

type fakeLimiter struct{ allow bool }

func (f *fakeLimiter) Allow(context.Context, string) (bool, error) { return f.allow, nil }

type fakeUnwrapper struct {
	mu        sync.Mutex
	fail      bool
	seen      []string // handles presented
}

func (f *fakeUnwrapper) UnwrapAuthorized(_ context.Context, handle string, ciphertext []byte, _ string, _ string) ([]byte, error) {
	f.mu.Lock()
	f.seen = append(f.seen, handle)
	f.mu.Unlock()
	if f.fail {
		return nil, coordinatorerr.New(coordinatorerr.IntegrityFailure, "simulated unwrap failure")
	}
	return append([]byte(nil), ciphertext...), nil
}

type fakeOracle struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	lastPrompt string
}

func (f *fakeOracle) Analyze(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrompt = prompt
	if f.calls <= f.failUntil {
		return "", coordinatorerr.New(coordinatorerr.OracleUnavailable, "simulated oracle failure")
	}
	return `{"result":"ok"}`, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
	types  map[string]audit.EventType
}

func (a *memAudit) Record(_ context.Context, eventType audit.EventType, action, resource, _ string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, action+":"+resource)
	if a.types == nil {
		a.types = make(map[string]audit.EventType)
	}
	a.types[action+":"+resource] = eventType
	return nil
}

func setup(t *testing.T) (*coordinator.Machine, *dataset.Catalog, *fakeUnwrapper, *fakeOracle, *proof.Log, *memAudit, *fakeParties) {
	t.Helper()
	ctx := context.Background()

	parties := &fakeParties{registered: map[string]bool{"alice": true, "bob": true}}
	machine := coordinator.New(newMemRequestStore(), parties, newFakeAuth(), 0, coordinator.Limits{})

	datasets := dataset.New(newMemDatasetStore(), parties, 0)
	unwrap := &fakeUnwrapper{}
	oracle := &fakeOracle{}

	proofLog, err := proof.New(ctx, &memProofStore{})
	require.NoError(t, err)

	return machine, datasets, unwrap, oracle, proofLog, &memAudit{}, parties
}

func TestExecuteHappyPathEmitsProofAndCompletes(t *testing.T) {
	ctx := context.Background()
	machine, datasets, unwrap, oracle, proofLog, auditor, _ := setup(t)

	dsID, err := datasets.Upload(ctx, "alice", "x.csv", "schema", 5, []byte("ciphertext"), "handle-1")
	require.NoError(t, err)

	req, err := machine.CreateRequest(ctx, "alice", "t", "d", []string{dsID})
	require.NoError(t, err)

	_, err = machine.Vote(ctx, req.ID, "alice", coordinator.Yes)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "bob", coordinator.Yes)
	require.NoError(t, err)

	orch := New(machine, datasets, unwrap, oracle, proofLog, &fakeLimiter{allow: true}, auditor, resiliency.DefaultPolicy())

	result, err := orch.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Contains(t, result, "ok")

	got, err := machine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, coordinator.Completed, got.State)
	assert.NotEmpty(t, got.ProofHandle)

	records, err := proofLog.ByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, got.ProofHandle, records[0].Hash)
}

func TestExecuteRejectsWhenOracleBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	machine, datasets, unwrap, oracle, proofLog, auditor, _ := setup(t)

	req, err := machine.CreateRequest(ctx, "alice", "t", "d", nil)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "alice", coordinator.Yes)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "bob", coordinator.Yes)
	require.NoError(t, err)

	orch := New(machine, datasets, unwrap, oracle, proofLog, &fakeLimiter{allow: false}, auditor, resiliency.DefaultPolicy())

	_, err = orch.Execute(ctx, req.ID, "alice")
	kind, ok := coordinatorerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerr.TemporarilyUnavailable, kind)

	got, err := machine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, coordinator.ReadyToExecute, got.State, "a rate-limit rejection must not consume the execution attempt")
}

func TestExecuteRetriesTransientOracleFailure(t *testing.T) {
	ctx := context.Background()
	machine, datasets, unwrap, oracle, proofLog, auditor, _ := setup(t)
	oracle.failUntil = 2

	req, err := machine.CreateRequest(ctx, "alice", "t", "d", nil)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "alice", coordinator.Yes)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "bob", coordinator.Yes)
	require.NoError(t, err)

	orch := New(machine, datasets, unwrap, oracle, proofLog, &fakeLimiter{allow: true}, auditor,
		resiliency.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	result, err := orch.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Contains(t, result, "ok")
	assert.Equal(t, 3, oracle.calls)
}

func TestExecuteMarksFailedOnUnwrapError(t *testing.T) {
	ctx := context.Background()
	machine, datasets, unwrap, oracle, proofLog, auditor, _ := setup(t)
	unwrap.fail = true

	dsID, err := datasets.Upload(ctx, "alice", "x.csv", "schema", 5, []byte("ciphertext"), "handle-1")
	require.NoError(t, err)

	req, err := machine.CreateRequest(ctx, "alice", "t", "d", []string{dsID})
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "alice", coordinator.Yes)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "bob", coordinator.Yes)
	require.NoError(t, err)

	orch := New(machine, datasets, unwrap, oracle, proofLog, &fakeLimiter{allow: true}, auditor, resiliency.DefaultPolicy())

	_, err = orch.Execute(ctx, req.ID, "alice")
	require.Error(t, err)

	got, err := machine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, coordinator.Failed, got.State)

	records, err := proofLog.ByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, records, "no proof is emitted for a failed execution")

	assert.Equal(t, audit.EventSecurity, auditor.types["execution_failed:"+req.ID],
		"an unwrap integrity failure must be distinguishable from an ordinary oracle failure in the audit trail")
}

func TestExecutePromptNeverCarriesPlaintext(t *testing.T) {
	ctx := context.Background()
	machine, datasets, unwrap, oracle, proofLog, auditor, _ := setup(t)

	secret := []byte("super-secret-row-data")
	dsID, err := datasets.Upload(ctx, "alice", "x.csv", "schema", 5, secret, "handle-1")
	require.NoError(t, err)

	req, err := machine.CreateRequest(ctx, "alice", "t", "d", []string{dsID})
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "alice", coordinator.Yes)
	require.NoError(t, err)
	_, err = machine.Vote(ctx, req.ID, "bob", coordinator.Yes)
	require.NoError(t, err)

	orch := New(machine, datasets, unwrap, oracle, proofLog, &fakeLimiter{allow: true}, auditor, resiliency.DefaultPolicy())

	_, err = orch.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)

	assert.NotContains(t, oracle.lastPrompt, "super-secret-row-data")
}
