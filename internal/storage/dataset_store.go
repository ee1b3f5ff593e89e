package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/dataset"
)

// DatasetStore implements dataset.Store.
type DatasetStore struct{ db *DB }

func NewDatasetStore(db *DB) *DatasetStore { return &DatasetStore{db: db} }

func (s *DatasetStore) SaveDataset(ctx context.Context, d *dataset.Dataset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := s.db.rebind(`
		INSERT INTO datasets (id, owner, owner_name, schema_descriptor, record_count, encrypted_blob, envelope_handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.ExecContext(ctx, query,
		d.ID, d.Owner, d.OwnerName, d.Schema, d.RecordCount, d.EncryptedBlob, d.EnvelopeHandle,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: save dataset: %w", err)
	}

	accessQuery := s.db.rebind(`INSERT INTO dataset_access (dataset_id, principal) VALUES (?, ?)`)
	for _, principal := range d.AccessList {
		if _, err := tx.ExecContext(ctx, accessQuery, d.ID, principal); err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("storage: save dataset access: %w", err)
		}
	}
	return tx.Commit()
}

func (s *DatasetStore) GetDataset(ctx context.Context, id string) (*dataset.Dataset, bool, error) {
	query := s.db.rebind(`
		SELECT id, owner, owner_name, schema_descriptor, record_count, encrypted_blob, envelope_handle, created_at
		FROM datasets WHERE id = ?
	`)
	row := s.db.QueryRowContext(ctx, query, id)
	d, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	access, err := s.accessListFor(ctx, id)
	if err != nil {
		return nil, false, err
	}
	d.AccessList = access
	return d, true, nil
}

func (s *DatasetStore) ListDatasets(ctx context.Context) ([]*dataset.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, owner_name, schema_descriptor, record_count, encrypted_blob, envelope_handle, created_at
		FROM datasets
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*dataset.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		access, err := s.accessListFor(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		d.AccessList = access
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DatasetStore) AddAccess(ctx context.Context, id, principal string) error {
	query := s.db.rebind(`INSERT INTO dataset_access (dataset_id, principal) VALUES (?, ?)`)
	_, err := s.db.ExecContext(ctx, query, id, principal)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("storage: add access: %w", err)
	}
	return nil
}

func (s *DatasetStore) accessListFor(ctx context.Context, datasetID string) ([]string, error) {
	query := s.db.rebind(`SELECT principal FROM dataset_access WHERE dataset_id = ?`)
	rows, err := s.db.QueryContext(ctx, query, datasetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var principal string
		if err := rows.Scan(&principal); err != nil {
			return nil, err
		}
		out = append(out, principal)
	}
	return out, rows.Err()
}

func scanDataset(row rowScanner) (*dataset.Dataset, error) {
	var d dataset.Dataset
	var createdAt string
	if err := row.Scan(&d.ID, &d.Owner, &d.OwnerName, &d.Schema, &d.RecordCount, &d.EncryptedBlob, &d.EnvelopeHandle, &createdAt); err != nil {
		return nil, err
	}
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}
