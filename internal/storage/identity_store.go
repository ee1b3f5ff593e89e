package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/identity"
)

// PartyStore implements identity.Store.
type PartyStore struct{ db *DB }

// NewPartyStore constructs a PartyStore.
func NewPartyStore(db *DB) *PartyStore { return &PartyStore{db: db} }

func (s *PartyStore) UpsertParty(ctx context.Context, p *identity.Party) error {
	var tombstoned sql.NullString
	if p.TombstonedAt != nil {
		tombstoned = sql.NullString{String: p.TombstonedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	query := s.db.rebind(`
		INSERT INTO parties (principal, name, role, envelope_handle, first_seen, last_seen, tombstoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			last_seen = excluded.last_seen,
			tombstoned_at = excluded.tombstoned_at
	`)
	_, err := s.db.ExecContext(ctx, query,
		p.Principal, p.Name, p.Role, p.EnvelopeHandle,
		p.FirstSeen.UTC().Format(time.RFC3339Nano),
		p.LastSeen.UTC().Format(time.RFC3339Nano),
		tombstoned,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert party: %w", err)
	}
	return nil
}

func (s *PartyStore) GetParty(ctx context.Context, principal string) (*identity.Party, bool, error) {
	query := s.db.rebind(`
		SELECT principal, name, role, envelope_handle, first_seen, last_seen, tombstoned_at
		FROM parties WHERE principal = ?
	`)
	row := s.db.QueryRowContext(ctx, query, principal)
	p, err := scanParty(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *PartyStore) ListParties(ctx context.Context) ([]*identity.Party, error) {
	query := `SELECT principal, name, role, envelope_handle, first_seen, last_seen, tombstoned_at FROM parties`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*identity.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParty(row rowScanner) (*identity.Party, error) {
	var (
		principal, name, role, handle, firstSeen, lastSeen string
		tombstoned                                         sql.NullString
	)
	if err := row.Scan(&principal, &name, &role, &handle, &firstSeen, &lastSeen, &tombstoned); err != nil {
		return nil, err
	}

	p := &identity.Party{
		Principal:      principal,
		Name:           name,
		Role:           role,
		EnvelopeHandle: handle,
		FirstSeen:      parseTime(firstSeen),
		LastSeen:       parseTime(lastSeen),
	}
	if tombstoned.Valid {
		t := parseTime(tombstoned.String)
		p.TombstonedAt = &t
	}
	return p, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
