package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/proof"
)

// ProofStore implements proof.Store.
type ProofStore struct{ db *DB }

func NewProofStore(db *DB) *ProofStore { return &ProofStore{db: db} }

func (s *ProofStore) SaveProof(ctx context.Context, r *proof.Record) error {
	datasetIDs, err := json.Marshal(r.InputDatasetIDs)
	if err != nil {
		return err
	}
	guarantees, err := json.Marshal(r.Guarantees)
	if err != nil {
		return err
	}

	query := s.db.rebind(`
		INSERT INTO proofs (hash, position, request_id, requester, input_dataset_ids, executed_at, response_hash, prior_hash, guarantees)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		r.Hash, r.Position, r.RequestID, r.Requester, string(datasetIDs),
		r.ExecutedAt.UTC().Format(time.RFC3339Nano), r.ResponseHash, r.PriorHash, string(guarantees),
	)
	if err != nil {
		return fmt.Errorf("storage: save proof: %w", err)
	}
	return nil
}

func (s *ProofStore) ListProofs(ctx context.Context) ([]*proof.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, position, request_id, requester, input_dataset_ids, executed_at, response_hash, prior_hash, guarantees
		FROM proofs ORDER BY position ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*proof.Record
	for rows.Next() {
		r, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ProofStore) GetProofsForRequest(ctx context.Context, requestID string) ([]*proof.Record, error) {
	query := s.db.rebind(`
		SELECT hash, position, request_id, requester, input_dataset_ids, executed_at, response_hash, prior_hash, guarantees
		FROM proofs WHERE request_id = ? ORDER BY position ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*proof.Record
	for rows.Next() {
		r, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanProof(row rowScanner) (*proof.Record, error) {
	var (
		hash, requestID, requester, datasetIDsJSON, executedAt, responseHash, priorHash, guaranteesJSON string
		position                                                                                        int
	)
	if err := row.Scan(&hash, &position, &requestID, &requester, &datasetIDsJSON, &executedAt, &responseHash, &priorHash, &guaranteesJSON); err != nil {
		return nil, err
	}

	var datasetIDs, guarantees []string
	if err := json.Unmarshal([]byte(datasetIDsJSON), &datasetIDs); err != nil {
		return nil, fmt.Errorf("storage: decode input_dataset_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(guaranteesJSON), &guarantees); err != nil {
		return nil, fmt.Errorf("storage: decode guarantees: %w", err)
	}

	return &proof.Record{
		Hash:            hash,
		Position:        position,
		RequestID:       requestID,
		Requester:       requester,
		InputDatasetIDs: datasetIDs,
		ExecutedAt:      parseTime(executedAt),
		ResponseHash:    responseHash,
		PriorHash:       priorHash,
		Guarantees:      guarantees,
	}, nil
}
