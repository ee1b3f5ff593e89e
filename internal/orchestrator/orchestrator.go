// Package orchestrator implements the Execution Orchestrator (spec
// §4.6): on execute, it collects referenced dataset ids, unwraps their
// ciphertext under the request's single-use authorization, builds a
// structured oracle prompt containing only schema/record-count metadata
// (never plaintext rows), submits it, and binds the result and a proof
// record back onto the request via the coordinator and proof packages.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/audit"
	"github.com/partyvault/coordinator/internal/coordinator"
	"github.com/partyvault/coordinator/internal/coordinatorerr"
	"github.com/partyvault/coordinator/internal/dataset"
	"github.com/partyvault/coordinator/internal/proof"
	"github.com/partyvault/coordinator/internal/ratelimit"
	"github.com/partyvault/coordinator/internal/resiliency"
	"github.com/partyvault/coordinator/internal/telemetry"
)

// OracleClient is the outbound interface to the external analysis
// oracle (spec §6 "Oracle interface"), grounded on the teacher's
// pkg/llm.Client but simplified to the spec's single analyze call, since
// the spec explicitly scopes out defining analysis algorithms.
type OracleClient interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// Unwrapper is the narrow slice of envelope.Service the orchestrator
// needs: authorized decryption of a dataset's ciphertext.
type Unwrapper interface {
	UnwrapAuthorized(ctx context.Context, handle string, ciphertext []byte, authorization, requestID string) ([]byte, error)
}

// promptInput is the structured, plaintext-row-free document submitted
// to the oracle (spec §4.6 step 4).
type promptInput struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Datasets    []datasetRef `json:"datasets"`
}

type datasetRef struct {
	DatasetID       string `json:"dataset_id"`
	Schema          string `json:"schema"`
	RecordCount     uint32 `json:"record_count"`
	PlaintextBytes  int    `json:"plaintext_bytes"`
}

// oracleBreakerThreshold/oracleBreakerReset bound how many consecutive
// oracle failures (past the retry budget) open the breaker, and how
// long it stays open before allowing a half-open probe.
const (
	oracleBreakerThreshold = 5
	oracleBreakerReset     = 30 * time.Second
)

// Orchestrator wires the coordinator's Executing window to the external
// oracle and to proof emission.
type Orchestrator struct {
	machine       *coordinator.Machine
	datasets      *dataset.Catalog
	unwrap        Unwrapper
	oracle        OracleClient
	proofs        *proof.Log
	limiter       ratelimit.Limiter
	auditLog      audit.Logger
	oracleRetry   resiliency.RetryPolicy
	oracleBreaker *resiliency.CircuitBreaker
	tel           *telemetry.Telemetry
}

// WithTelemetry attaches the process's counters. Optional; nil is a
// no-op.
func (o *Orchestrator) WithTelemetry(tel *telemetry.Telemetry) *Orchestrator {
	o.tel = tel
	return o
}

// New constructs an Orchestrator.
func New(machine *coordinator.Machine, datasets *dataset.Catalog, unwrap Unwrapper, oracle OracleClient, proofs *proof.Log, limiter ratelimit.Limiter, auditLog audit.Logger, oracleRetry resiliency.RetryPolicy) *Orchestrator {
	return &Orchestrator{
		machine:       machine,
		datasets:      datasets,
		unwrap:        unwrap,
		oracle:        oracle,
		proofs:        proofs,
		limiter:       limiter,
		auditLog:      auditLog,
		oracleRetry:   oracleRetry,
		oracleBreaker: resiliency.NewCircuitBreaker("oracle", oracleBreakerThreshold, oracleBreakerReset),
	}
}

// Execute runs the full spec §4.6 flow for one request: after the oracle
// budget check it calls coordinator.Machine.BeginExecution, which moves
// the request into Executing and returns the authorization token.
func (o *Orchestrator) Execute(ctx context.Context, requestID, caller string) (string, error) {
	allowed, err := o.limiter.Allow(ctx, "oracle")
	if err != nil {
		return "", fmt.Errorf("orchestrator: rate limiter: %w", err)
	}
	if !allowed {
		return "", coordinatorerr.New(coordinatorerr.TemporarilyUnavailable, "oracle budget exhausted")
	}

	req, token, err := o.machine.BeginExecution(ctx, requestID, caller)
	if err != nil {
		return "", err
	}

	result, execErr := o.run(ctx, req, token)
	if execErr != nil {
		if failErr := o.machine.FailExecution(ctx, requestID); failErr != nil {
			return "", fmt.Errorf("orchestrator: mark failed: %w (after: %v)", failErr, execErr)
		}
		eventType := audit.EventSystem
		if kind, ok := coordinatorerr.KindOf(execErr); ok && kind == coordinatorerr.IntegrityFailure {
			eventType = audit.EventSecurity
		}
		_ = o.auditLog.Record(ctx, eventType, "execution_failed", requestID, caller, map[string]interface{}{
			"error": execErr.Error(),
		})
		return "", execErr
	}

	rec, err := o.proofs.Append(ctx, requestID, req.Requester, req.DatasetIDs, result)
	if err != nil {
		return "", fmt.Errorf("orchestrator: emit proof: %w", err)
	}

	if err := o.machine.CompleteExecution(ctx, requestID, result, rec.Hash); err != nil {
		return "", fmt.Errorf("orchestrator: mark completed: %w", err)
	}

	_ = o.auditLog.Record(ctx, audit.EventMutation, "execution_completed", requestID, caller, map[string]interface{}{
		"proof_hash": rec.Hash,
	})
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req *coordinator.Request, token string) (string, error) {
	ids := req.DatasetIDs
	if len(ids) == 0 {
		visible, err := o.datasets.GetFor(ctx, req.Requester)
		if err != nil {
			return "", err
		}
		ids = make([]string, 0, len(visible))
		for _, d := range visible {
			ids = append(ids, d.ID)
		}
	}

	refs := make([]datasetRef, 0, len(ids))
	for _, id := range ids {
		d, err := o.datasets.Get(ctx, id)
		if err != nil {
			return "", err
		}

		plaintext, err := o.unwrap.UnwrapAuthorized(ctx, d.EnvelopeHandle, d.EncryptedBlob, token, req.ID)
		if err != nil {
			return "", err
		}
		n := len(plaintext)
		zero(plaintext)

		refs = append(refs, datasetRef{
			DatasetID:      d.ID,
			Schema:         d.Schema,
			RecordCount:    d.RecordCount,
			PlaintextBytes: n,
		})
	}

	prompt, err := buildPrompt(req.Title, req.Description, refs)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build prompt: %w", err)
	}

	ctx, end := o.tel.StartSpan(ctx, "orchestrator.oracle.analyze")
	defer end()

	if !o.oracleBreaker.Allow() {
		return "", coordinatorerr.New(coordinatorerr.TemporarilyUnavailable, "oracle circuit open")
	}

	var response string
	attempt := 0
	retryable := func(err error) bool {
		kind, ok := coordinatorerr.KindOf(err)
		return ok && kind.Retryable()
	}
	err = resiliency.Do(ctx, o.oracleRetry, retryable, func(ctx context.Context) error {
		if attempt > 0 && o.tel != nil {
			o.tel.OracleRetries.Add(ctx, 1)
		}
		attempt++
		r, err := o.oracle.Analyze(ctx, prompt)
		if err != nil {
			return coordinatorerr.Wrap(coordinatorerr.OracleUnavailable, "oracle analyze", err)
		}
		response = r
		return nil
	})
	if err != nil {
		o.oracleBreaker.Failure()
		return "", err
	}
	o.oracleBreaker.Success()
	return response, nil
}

func buildPrompt(title, description string, refs []datasetRef) (string, error) {
	doc := promptInput{Title: title, Description: description, Datasets: refs}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
