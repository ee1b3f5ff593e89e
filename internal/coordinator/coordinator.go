// Package coordinator implements the Request State Machine (spec §4.4)
// and the Vote Ledger (spec §4.5) — the heart of the coordinator. It
// generalizes the teacher's escalation.Manager (pkg/escalation/manager.go)
// single-approver quorum lifecycle into a full unanimous-vote-of-N,
// requester-exclusive-execute lifecycle, with per-request locking instead
// of one lock over the whole map (spec §5: "serialized per request...
// across requests, operations may proceed concurrently").
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
	"github.com/partyvault/coordinator/internal/telemetry"
)

// State is a Request's lifecycle state (spec §4.4's table).
type State string

const (
	PendingApproval State = "PendingApproval"
	ReadyToExecute  State = "ReadyToExecute"
	Executing       State = "Executing"
	Completed       State = "Completed"
	Rejected        State = "Rejected"
	Failed          State = "Failed"
)

// Decision is a voter's explicit choice.
type Decision string

const (
	Yes Decision = "yes"
	No  Decision = "no"
)

// Vote is one append-only ledger entry (spec §4.5).
type Vote struct {
	Voter     string
	Decision  Decision
	Timestamp time.Time
}

// Request is the Request State Machine's per-request record. Fields
// beyond State mirror spec §3's Request data model.
type Request struct {
	mu sync.Mutex

	ID                string
	Title             string
	Description       string
	Requester         string
	RequiredVoters    []string // snapshot at creation; immutable thereafter
	DatasetIDs        []string // optional explicit snapshot; empty means "all visible at execution time"
	Votes             []Vote
	State             State
	CreatedAt         time.Time
	Result            string
	ProofHandle       string
	AuthorizationTok  string
}

func (r *Request) snapshot() *Request {
	cp := *r
	cp.Votes = append([]Vote(nil), r.Votes...)
	cp.RequiredVoters = append([]string(nil), r.RequiredVoters...)
	cp.DatasetIDs = append([]string(nil), r.DatasetIDs...)
	return &cp
}

func (r *Request) hasVoted(principal string) bool {
	for _, v := range r.Votes {
		if v.Voter == principal {
			return true
		}
	}
	return false
}

func (r *Request) inRequiredSet(principal string) bool {
	for _, p := range r.RequiredVoters {
		if p == principal {
			return true
		}
	}
	return false
}

func (r *Request) allYes() bool {
	if len(r.Votes) < len(r.RequiredVoters) {
		return false
	}
	yes := make(map[string]bool, len(r.Votes))
	for _, v := range r.Votes {
		if v.Decision == Yes {
			yes[v.Voter] = true
		}
	}
	for _, p := range r.RequiredVoters {
		if !yes[p] {
			return false
		}
	}
	return true
}

// Store persists Request records. Implemented by internal/storage.
type Store interface {
	SaveRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, bool, error)
	ListRequests(ctx context.Context) ([]*Request, error)
	AppendVote(ctx context.Context, requestID string, v Vote) error
}

// PartyChecker resolves whether a principal is registered, used to gate
// create_request and to snapshot required voters.
type PartyChecker interface {
	IsRegistered(ctx context.Context, principal string) (bool, error)
	AllPrincipals(ctx context.Context) ([]string, error)
}

// AuthorizationIssuer mints/revokes the single-use unwrap token tied to
// a request's Executing window. Satisfied by envelope.Service.
type AuthorizationIssuer interface {
	IssueAuthorization(requestID string, ttl time.Duration) (string, error)
	InvalidateAuthorization(tokenStr, requestID string)
}

const (
	defaultMinRequiredVoters = 2
	defaultMaxRequiredVoters = 32
	defaultMaxTitleBytes     = 128
	defaultMaxDescBytes      = 4 * 1024
	authTokenTTL             = 15 * time.Minute
)

// Machine is the Request State Machine + Vote Ledger component.
type Machine struct {
	mu       sync.RWMutex // guards the `live` map itself, not individual requests
	live     map[string]*Request
	store    Store
	parties  PartyChecker
	auth     AuthorizationIssuer
	clock    func() time.Time
	expiry   time.Duration // 0 disables expiry sweep, per spec.md §9 Open Question decision
	tel      *telemetry.Telemetry

	minRequiredVoters int
	maxRequiredVoters int
	maxTitleBytes     int
	maxDescBytes      int
}

// New constructs a Machine. expiry is the optional REQUEST_EXPIRY
// duration; zero disables the sweep. limits carries the configured
// title/description/voter-count bounds; zero fields fall back to spec
// defaults.
func New(store Store, parties PartyChecker, auth AuthorizationIssuer, expiry time.Duration, limits Limits) *Machine {
	return &Machine{
		live:              make(map[string]*Request),
		store:             store,
		parties:           parties,
		auth:              auth,
		clock:             time.Now,
		expiry:            expiry,
		minRequiredVoters: orDefault(limits.MinRequiredVoters, defaultMinRequiredVoters),
		maxRequiredVoters: orDefault(limits.MaxRequiredVoters, defaultMaxRequiredVoters),
		maxTitleBytes:     orDefault(limits.MaxTitleBytes, defaultMaxTitleBytes),
		maxDescBytes:      orDefault(limits.MaxDescBytes, defaultMaxDescBytes),
	}
}

// Limits carries the configured request-shape bounds (config.Config's
// MinRequiredVoters/MaxRequiredVoters/NameMaxBytes/DescriptionMaxBytes).
type Limits struct {
	MinRequiredVoters int
	MaxRequiredVoters int
	MaxTitleBytes     int
	MaxDescBytes      int
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithClock overrides the machine's clock for deterministic tests.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// WithTelemetry attaches the process's counters so state transitions
// are observable. Optional; a nil tel is a safe no-op.
func (m *Machine) WithTelemetry(tel *telemetry.Telemetry) *Machine {
	m.tel = tel
	return m
}

// CreateRequest snapshots the currently-registered party set as required
// voters and creates a new request in PendingApproval (spec §4.4).
func (m *Machine) CreateRequest(ctx context.Context, requester, title, description string, datasetIDs []string) (*Request, error) {
	m.sweepExpired(ctx)

	registered, err := m.parties.IsRegistered(ctx, requester)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, coordinatorerr.New(coordinatorerr.NotRegistered, requester)
	}
	if len(title) > m.maxTitleBytes {
		return nil, coordinatorerr.New(coordinatorerr.InputTooLarge, fmt.Sprintf("title exceeds %d bytes", m.maxTitleBytes))
	}
	if len(description) > m.maxDescBytes {
		return nil, coordinatorerr.New(coordinatorerr.InputTooLarge, fmt.Sprintf("description exceeds %d bytes", m.maxDescBytes))
	}

	voters, err := m.parties.AllPrincipals(ctx)
	if err != nil {
		return nil, err
	}
	if len(voters) < m.minRequiredVoters {
		return nil, coordinatorerr.New(coordinatorerr.InvalidInput, fmt.Sprintf("fewer than %d registered parties", m.minRequiredVoters))
	}
	if len(voters) > m.maxRequiredVoters {
		voters = voters[:m.maxRequiredVoters]
	}

	r := &Request{
		ID:             uuid.New().String(),
		Title:          title,
		Description:    description,
		Requester:      requester,
		RequiredVoters: voters,
		DatasetIDs:     append([]string(nil), datasetIDs...),
		State:          PendingApproval,
		CreatedAt:      m.clock(),
	}

	if err := m.store.SaveRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("coordinator: persist request: %w", err)
	}

	m.mu.Lock()
	m.live[r.ID] = r
	m.mu.Unlock()

	return r.snapshot(), nil
}

// Vote appends a vote to the ledger and recomputes state atomically
// under the request's own lock (spec §4.4 "Ordering").
func (m *Machine) Vote(ctx context.Context, requestID, voter string, decision Decision) (State, error) {
	ctx, end := m.tel.StartSpan(ctx, "coordinator.vote")
	defer end()

	r, err := m.load(ctx, requestID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State != PendingApproval {
		return r.State, coordinatorerr.New(coordinatorerr.InvalidState, "request is not accepting votes")
	}
	if !r.inRequiredSet(voter) {
		return r.State, coordinatorerr.New(coordinatorerr.VoterNotInSet, voter)
	}
	if r.hasVoted(voter) {
		return r.State, coordinatorerr.New(coordinatorerr.DuplicateVote, voter)
	}

	v := Vote{Voter: voter, Decision: decision, Timestamp: m.clock()}
	r.Votes = append(r.Votes, v)

	if decision == No {
		r.State = Rejected
	} else if r.allYes() {
		r.State = ReadyToExecute
	}

	if err := m.store.AppendVote(ctx, requestID, v); err != nil {
		return r.State, fmt.Errorf("coordinator: persist vote: %w", err)
	}
	if err := m.store.SaveRequest(ctx, r); err != nil {
		return r.State, fmt.Errorf("coordinator: persist request state: %w", err)
	}

	if m.tel != nil {
		m.tel.VotesCast.Add(ctx, 1)
		if r.State == Rejected {
			m.tel.RequestsRejected.Add(ctx, 1)
		}
	}
	return r.State, nil
}

// BeginExecution transitions ReadyToExecute → Executing and mints the
// single-use unwrap authorization token, enforcing requester-exclusive
// execution and at-most-one-concurrent-execution (spec §4.4).
func (m *Machine) BeginExecution(ctx context.Context, requestID, caller string) (*Request, string, error) {
	ctx, end := m.tel.StartSpan(ctx, "coordinator.begin_execution")
	defer end()

	r, err := m.load(ctx, requestID)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Requester != caller {
		return nil, "", coordinatorerr.New(coordinatorerr.NotAuthorized, "only the requester may execute")
	}
	if r.State == Executing {
		return nil, "", coordinatorerr.New(coordinatorerr.AlreadyExecuting, requestID)
	}
	if r.State != ReadyToExecute {
		return nil, "", coordinatorerr.New(coordinatorerr.InvalidState, string(r.State))
	}

	token, err := m.auth.IssueAuthorization(requestID, authTokenTTL)
	if err != nil {
		return nil, "", err
	}

	r.State = Executing
	r.AuthorizationTok = token

	if err := m.store.SaveRequest(ctx, r); err != nil {
		return nil, "", fmt.Errorf("coordinator: persist request state: %w", err)
	}
	return r.snapshot(), token, nil
}

// CompleteExecution transitions Executing → Completed, binding the
// oracle result and proof handle, and destroys the authorization token
// regardless of outcome (spec §4.4).
func (m *Machine) CompleteExecution(ctx context.Context, requestID, result, proofHandle string) error {
	return m.finishExecution(ctx, requestID, func(r *Request) {
		r.State = Completed
		r.Result = result
		r.ProofHandle = proofHandle
	})
}

// FailExecution transitions Executing → Failed and destroys the
// authorization token.
func (m *Machine) FailExecution(ctx context.Context, requestID string) error {
	return m.finishExecution(ctx, requestID, func(r *Request) {
		r.State = Failed
	})
}

func (m *Machine) finishExecution(ctx context.Context, requestID string, apply func(*Request)) error {
	ctx, end := m.tel.StartSpan(ctx, "coordinator.finish_execution")
	defer end()

	r, err := m.load(ctx, requestID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State != Executing {
		return coordinatorerr.New(coordinatorerr.InvalidState, string(r.State))
	}

	token := r.AuthorizationTok
	apply(r)
	r.AuthorizationTok = ""
	m.auth.InvalidateAuthorization(token, requestID)

	if err := m.store.SaveRequest(ctx, r); err != nil {
		return fmt.Errorf("coordinator: persist request state: %w", err)
	}

	if m.tel != nil {
		switch r.State {
		case Completed:
			m.tel.RequestsCompleted.Add(ctx, 1)
		case Failed:
			m.tel.RequestsFailed.Add(ctx, 1)
		}
	}
	return nil
}

// Get returns a snapshot of a request by id.
func (m *Machine) Get(ctx context.Context, requestID string) (*Request, error) {
	r, err := m.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// List returns every request known to the machine.
func (m *Machine) List(ctx context.Context) ([]*Request, error) {
	m.sweepExpired(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Request, 0, len(m.live))
	for _, r := range m.live {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	return out, nil
}

// load resolves a request id to its live, lockable record, hydrating
// from the store on first access after a process restart.
func (m *Machine) load(ctx context.Context, requestID string) (*Request, error) {
	m.mu.RLock()
	r, ok := m.live[requestID]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	stored, found, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, coordinatorerr.New(coordinatorerr.NotFound, requestID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.live[requestID]; ok {
		return existing, nil
	}
	m.live[requestID] = stored
	return stored, nil
}

// sweepExpired transitions any PendingApproval request older than the
// configured expiry to Rejected (spec.md §9 Open Question, decided in
// SPEC_FULL.md: opportunistic sweep, no separate goroutine).
func (m *Machine) sweepExpired(ctx context.Context) {
	if m.expiry <= 0 {
		return
	}
	now := m.clock()

	m.mu.RLock()
	candidates := make([]*Request, 0, len(m.live))
	for _, r := range m.live {
		candidates = append(candidates, r)
	}
	m.mu.RUnlock()

	for _, r := range candidates {
		r.mu.Lock()
		if r.State == PendingApproval && now.Sub(r.CreatedAt) > m.expiry {
			r.State = Rejected
			_ = m.store.SaveRequest(ctx, r)
		}
		r.mu.Unlock()
	}
}

// Tally returns yes/no/pending counts for a request, derived
// deterministically from its vote list (spec §4.5).
func Tally(r *Request) (yes, no, pending int) {
	voted := make(map[string]Decision, len(r.Votes))
	for _, v := range r.Votes {
		voted[v.Voter] = v.Decision
	}
	for _, p := range r.RequiredVoters {
		switch voted[p] {
		case Yes:
			yes++
		case No:
			no++
		default:
			pending++
		}
	}
	return yes, no, pending
}
