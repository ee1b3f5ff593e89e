package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/coordinator"
)

// RequestStore implements coordinator.Store.
type RequestStore struct{ db *DB }

func NewRequestStore(db *DB) *RequestStore { return &RequestStore{db: db} }

func (s *RequestStore) SaveRequest(ctx context.Context, r *coordinator.Request) error {
	voters, err := json.Marshal(r.RequiredVoters)
	if err != nil {
		return err
	}
	datasetIDs, err := json.Marshal(r.DatasetIDs)
	if err != nil {
		return err
	}

	query := s.db.rebind(`
		INSERT INTO requests (id, title, description, requester, required_voters, dataset_ids, state, created_at, result, proof_handle, authorization_tok)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			proof_handle = excluded.proof_handle,
			authorization_tok = excluded.authorization_tok
	`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Title, r.Description, r.Requester, string(voters), string(datasetIDs), string(r.State),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.Result, r.ProofHandle, r.AuthorizationTok,
	)
	if err != nil {
		return fmt.Errorf("storage: save request: %w", err)
	}
	return nil
}

func (s *RequestStore) GetRequest(ctx context.Context, id string) (*coordinator.Request, bool, error) {
	query := s.db.rebind(`
		SELECT id, title, description, requester, required_voters, dataset_ids, state, created_at, result, proof_handle, authorization_tok
		FROM requests WHERE id = ?
	`)
	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	votes, err := s.votesFor(ctx, id)
	if err != nil {
		return nil, false, err
	}
	r.Votes = votes
	return r, true, nil
}

func (s *RequestStore) ListRequests(ctx context.Context) ([]*coordinator.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, requester, required_voters, dataset_ids, state, created_at, result, proof_handle, authorization_tok
		FROM requests
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*coordinator.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		votes, err := s.votesFor(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Votes = votes
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RequestStore) AppendVote(ctx context.Context, requestID string, v coordinator.Vote) error {
	query := s.db.rebind(`INSERT INTO votes (request_id, voter, decision, ts) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, requestID, v.Voter, string(v.Decision), v.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: append vote: %w", err)
	}
	return nil
}

func (s *RequestStore) votesFor(ctx context.Context, requestID string) ([]coordinator.Vote, error) {
	query := s.db.rebind(`SELECT voter, decision, ts FROM votes WHERE request_id = ? ORDER BY ts ASC`)
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []coordinator.Vote
	for rows.Next() {
		var voter, decision, ts string
		if err := rows.Scan(&voter, &decision, &ts); err != nil {
			return nil, err
		}
		out = append(out, coordinator.Vote{Voter: voter, Decision: coordinator.Decision(decision), Timestamp: parseTime(ts)})
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*coordinator.Request, error) {
	var (
		id, title, description, requester, votersJSON, datasetIDsJSON, state, createdAt, result, proofHandle, authTok string
	)
	if err := row.Scan(&id, &title, &description, &requester, &votersJSON, &datasetIDsJSON, &state, &createdAt, &result, &proofHandle, &authTok); err != nil {
		return nil, err
	}

	var voters, datasetIDs []string
	if err := json.Unmarshal([]byte(votersJSON), &voters); err != nil {
		return nil, fmt.Errorf("storage: decode required_voters: %w", err)
	}
	if err := json.Unmarshal([]byte(datasetIDsJSON), &datasetIDs); err != nil {
		return nil, fmt.Errorf("storage: decode dataset_ids: %w", err)
	}

	r := &coordinator.Request{
		ID:               id,
		Title:            title,
		Description:      description,
		Requester:        requester,
		RequiredVoters:   voters,
		DatasetIDs:       datasetIDs,
		State:            coordinator.State(state),
		CreatedAt:        parseTime(createdAt),
		Result:           result,
		ProofHandle:       proofHandle,
		AuthorizationTok: authTok,
	}
	return r, nil
}
