package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/envelope"
)

// VaultStore implements envelope.VaultStore: persistence for the
// MaterialVault's versioned wrapping keys.
type VaultStore struct{ db *DB }

func NewVaultStore(db *DB) *VaultStore { return &VaultStore{db: db} }

func (s *VaultStore) LoadKeyVersions(ctx context.Context) (int, map[int][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, key_material, active FROM vault_keys`)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[int][]byte)
	active := 0
	for rows.Next() {
		var version int
		var encoded string
		var isActive int
		if err := rows.Scan(&version, &encoded, &isActive); err != nil {
			return 0, nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return 0, nil, fmt.Errorf("storage: decode vault key: %w", err)
		}
		keys[version] = raw
		if isActive == 1 {
			active = version
		}
	}
	return active, keys, rows.Err()
}

func (s *VaultStore) SaveKeyVersions(ctx context.Context, active int, keys map[int][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for version, key := range keys {
		query := s.db.rebind(`
			INSERT INTO vault_keys (version, key_material, active) VALUES (?, ?, ?)
			ON CONFLICT(version) DO UPDATE SET key_material = excluded.key_material, active = excluded.active
		`)
		isActive := 0
		if version == active {
			isActive = 1
		}
		if _, err := tx.ExecContext(ctx, query, version, base64.StdEncoding.EncodeToString(key), isActive); err != nil {
			return fmt.Errorf("storage: save vault key version %d: %w", version, err)
		}
	}
	return tx.Commit()
}

// HandleStore implements envelope.HandleStore.
type HandleStore struct{ db *DB }

func NewHandleStore(db *DB) *HandleStore { return &HandleStore{db: db} }

func (s *HandleStore) SaveHandle(ctx context.Context, h *envelope.Handle) error {
	query := s.db.rebind(`
		INSERT INTO envelope_handles (id, principal, purpose, sealed_material, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, h.ID, h.Principal, h.Purpose, h.SealedMaterial, h.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: save handle: %w", err)
	}
	return nil
}

func (s *HandleStore) GetHandle(ctx context.Context, id string) (*envelope.Handle, bool, error) {
	query := s.db.rebind(`SELECT id, principal, purpose, sealed_material, created_at FROM envelope_handles WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)

	var h envelope.Handle
	var createdAt string
	err := row.Scan(&h.ID, &h.Principal, &h.Purpose, &h.SealedMaterial, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	h.CreatedAt = parseTime(createdAt)
	return &h, true, nil
}
