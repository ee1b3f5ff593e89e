package storage

import "context"

// Migrate creates every table the coordinator needs if it does not
// already exist. Mirrors the teacher's SQLiteReceiptStore.migrate()
// style: one idempotent DDL batch run at startup, no migration
// framework since the teacher pack doesn't carry one either.
func Migrate(ctx context.Context, db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS parties (
			principal TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			envelope_handle TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			tombstoned_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS vault_keys (
			version INTEGER PRIMARY KEY,
			key_material TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS envelope_handles (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			purpose TEXT NOT NULL,
			sealed_material TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			owner_name TEXT NOT NULL,
			schema_descriptor TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			encrypted_blob BLOB NOT NULL,
			envelope_handle TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dataset_access (
			dataset_id TEXT NOT NULL,
			principal TEXT NOT NULL,
			UNIQUE(dataset_id, principal)
		);`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			requester TEXT NOT NULL,
			required_voters TEXT NOT NULL,
			dataset_ids TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			proof_handle TEXT NOT NULL DEFAULT '',
			authorization_tok TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS votes (
			request_id TEXT NOT NULL,
			voter TEXT NOT NULL,
			decision TEXT NOT NULL,
			ts TEXT NOT NULL,
			UNIQUE(request_id, voter)
		);`,
		`CREATE TABLE IF NOT EXISTS proofs (
			hash TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			requester TEXT NOT NULL,
			input_dataset_ids TEXT NOT NULL,
			executed_at TEXT NOT NULL,
			response_hash TEXT NOT NULL,
			prior_hash TEXT NOT NULL,
			guarantees TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
