// Package proof implements the Proof & Audit Log (spec §4.7): an
// immutable, queryable, hash-chained record of every completed request.
// It generalizes the teacher's proofgraph.Graph (an arbitrary typed DAG
// of INTENT/ATTESTATION/EFFECT nodes) into the spec's linear total
// order — a single chain, since the spec requires "prior-proof hash
// equals the content hash of the most recently emitted proof record",
// not a DAG with multiple heads. Canonical hashing uses internal/
// canonical (JCS) in place of the teacher's manual encoder-with-
// SetEscapeHTML(false) workaround.
package proof

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partyvault/coordinator/internal/canonical"
)

// GenesisHash is the prior-hash value of the first proof record ever
// emitted (spec §4.7 "or a genesis constant").
const GenesisHash = "sha256:genesis"

// Record is a single, immutable proof-chain entry (spec §3 "Proof
// record").
type Record struct {
	Hash            string
	Position        int
	RequestID       string
	Requester       string
	InputDatasetIDs []string
	ExecutedAt      time.Time
	ResponseHash    string
	PriorHash       string
	Guarantees      []string
}

// hashable is the minimal, explicitly field-ordered struct canonicalized
// and hashed to produce a Record's content hash — mirrors the teacher's
// NodeJCS pattern but expressed with the real JCS library.
type hashable struct {
	RequestID       string   `json:"request_id"`
	Requester       string   `json:"requester"`
	InputDatasetIDs []string `json:"input_dataset_ids"`
	ExecutedAtUnix  int64    `json:"executed_at_unix"`
	ResponseHash    string   `json:"response_hash"`
	PriorHash       string   `json:"prior_hash"`
	Guarantees      []string `json:"guarantees"`
}

// defaultGuarantees are the labels every successfully executed request
// earns (spec §7's taxonomy implies these hold whenever a proof record
// exists at all: gating, custody, and attestation were enforced).
var defaultGuarantees = []string{"unanimous_approval", "requester_exclusive_execution", "encrypted_at_rest_until_authorized"}

// Store persists proof records. Implemented by internal/storage.
type Store interface {
	SaveProof(ctx context.Context, r *Record) error
	ListProofs(ctx context.Context) ([]*Record, error)
	GetProofsForRequest(ctx context.Context, requestID string) ([]*Record, error)
}

// Log is the Proof & Audit Log component — a single chain, protected by
// one mutex, since proof emission must be strictly ordered process-wide.
type Log struct {
	mu    sync.Mutex
	store Store
	head  string // hash of the most recently emitted record; GenesisHash if none yet
	next  int
	clock func() time.Time
}

// New constructs a Log, replaying store contents to recover chain head
// and position after a restart.
func New(ctx context.Context, store Store) (*Log, error) {
	existing, err := store.ListProofs(ctx)
	if err != nil {
		return nil, fmt.Errorf("proof: load existing chain: %w", err)
	}

	l := &Log{store: store, head: GenesisHash, next: 1, clock: time.Now}
	for _, r := range existing {
		if r.Position >= l.next {
			l.next = r.Position + 1
			l.head = r.Hash
		}
	}
	return l, nil
}

// WithClock overrides the log's clock for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append emits a new proof record for a completed request, chaining it
// to the previous head.
func (l *Log) Append(ctx context.Context, requestID, requester string, inputDatasetIDs []string, oracleResponse string) (*Record, error) {
	responseHash, err := canonical.HashBytes([]byte(oracleResponse))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	executedAt := l.clock()
	h := hashable{
		RequestID:       requestID,
		Requester:       requester,
		InputDatasetIDs: append([]string(nil), inputDatasetIDs...),
		ExecutedAtUnix:  executedAt.UnixNano(),
		ResponseHash:    responseHash,
		PriorHash:       l.head,
		Guarantees:      defaultGuarantees,
	}
	contentHash, err := canonical.Hash(h)
	if err != nil {
		return nil, fmt.Errorf("proof: hash record: %w", err)
	}

	rec := &Record{
		Hash:            contentHash,
		Position:        l.next,
		RequestID:       requestID,
		Requester:       requester,
		InputDatasetIDs: h.InputDatasetIDs,
		ExecutedAt:      executedAt,
		ResponseHash:    responseHash,
		PriorHash:       l.head,
		Guarantees:      defaultGuarantees,
	}

	if err := l.store.SaveProof(ctx, rec); err != nil {
		return nil, fmt.Errorf("proof: persist: %w", err)
	}

	l.head = rec.Hash
	l.next++
	return rec, nil
}

// ByRequest returns all proof records for a request (normally zero or
// one, since a request completes at most once).
func (l *Log) ByRequest(ctx context.Context, requestID string) ([]*Record, error) {
	return l.store.GetProofsForRequest(ctx, requestID)
}

// All returns every proof record in chain order.
func (l *Log) All(ctx context.Context) ([]*Record, error) {
	return l.store.ListProofs(ctx)
}

// ValidateChain verifies every non-genesis record's prior hash equals
// the content hash of the record at the preceding position (spec §8).
func ValidateChain(records []*Record) error {
	byPosition := make(map[int]*Record, len(records))
	for _, r := range records {
		byPosition[r.Position] = r
	}
	for _, r := range records {
		if r.Position == 1 {
			if r.PriorHash != GenesisHash {
				return fmt.Errorf("proof: record 1 has non-genesis prior hash %q", r.PriorHash)
			}
			continue
		}
		prev, ok := byPosition[r.Position-1]
		if !ok {
			return fmt.Errorf("proof: missing record at position %d", r.Position-1)
		}
		if r.PriorHash != prev.Hash {
			return fmt.Errorf("proof: record %d prior hash mismatch", r.Position)
		}
	}
	return nil
}
