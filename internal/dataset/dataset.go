// Package dataset implements the Dataset Store (spec §4.3): custody of
// encrypted blobs with plaintext-only metadata. The store never holds a
// decryption capability — it persists ciphertext and a key-envelope
// handle identifying the unwrap context, nothing more.
package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/partyvault/coordinator/internal/canonical"
	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

// Dataset is the persisted record for one uploaded encrypted blob.
type Dataset struct {
	ID              string
	Owner           string
	OwnerName       string
	Schema          string
	RecordCount     uint32
	EncryptedBlob   []byte
	EnvelopeHandle  string
	CreatedAt       time.Time
	AccessList      []string // principals authorized to include this dataset in a computation
}

// identityFields is the minimal, explicitly field-ordered struct hashed
// to derive a content-addressed dataset id (spec §3 "content-addressed
// by a deterministic hash of their canonical serialization").
type identityFields struct {
	Owner       string `json:"owner"`
	ContentHash string `json:"content_hash"`
	Name        string `json:"name"`
}

// Store persists Dataset records. Implemented by internal/storage.
type Store interface {
	SaveDataset(ctx context.Context, d *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, bool, error)
	ListDatasets(ctx context.Context) ([]*Dataset, error)
	AddAccess(ctx context.Context, id, principal string) error
}

// PartyResolver looks up a party's display name snapshot for the
// "owner party display name (snapshot)" field (spec §3).
type PartyResolver interface {
	NameOf(ctx context.Context, principal string) (string, error)
}

const defaultMaxPayloadBytes = 8 * 1024 * 1024 // spec §6 default: dataset payload ≤ 8 MiB

// Catalog is the Dataset Store component.
type Catalog struct {
	store          Store
	parties        PartyResolver
	clock          func() time.Time
	maxPayloadBytes int
}

// New constructs a Catalog. maxPayloadBytes is the configured upload
// cap (config.Config.DatasetPayloadCapBytes); zero falls back to the
// spec's 8 MiB default.
func New(store Store, parties PartyResolver, maxPayloadBytes int) *Catalog {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = defaultMaxPayloadBytes
	}
	return &Catalog{store: store, parties: parties, clock: time.Now, maxPayloadBytes: maxPayloadBytes}
}

// WithClock overrides the catalog's clock for deterministic tests.
func (c *Catalog) WithClock(clock func() time.Time) *Catalog {
	c.clock = clock
	return c
}

// Upload persists a new encrypted dataset, or returns the existing id if
// (owner, content, name) was already uploaded (spec §4.3, §8 idempotence).
func (c *Catalog) Upload(ctx context.Context, owner, name, schema string, recordCount uint32, encrypted []byte, envelopeHandle string) (string, error) {
	if owner == "" {
		return "", coordinatorerr.New(coordinatorerr.Unauthenticated, "no caller principal")
	}
	if len(encrypted) > c.maxPayloadBytes {
		return "", coordinatorerr.New(coordinatorerr.InputTooLarge, fmt.Sprintf("payload exceeds %d bytes", c.maxPayloadBytes))
	}

	contentHash, err := canonical.HashBytes(encrypted)
	if err != nil {
		return "", fmt.Errorf("dataset: hash content: %w", err)
	}

	id, err := canonical.Hash(identityFields{Owner: owner, ContentHash: contentHash, Name: name})
	if err != nil {
		return "", fmt.Errorf("dataset: derive dataset id: %w", err)
	}

	if existing, found, err := c.store.GetDataset(ctx, id); err != nil {
		return "", err
	} else if found {
		_ = existing
		return id, nil
	}

	ownerName, err := c.parties.NameOf(ctx, owner)
	if err != nil {
		return "", err
	}

	d := &Dataset{
		ID:             id,
		Owner:          owner,
		OwnerName:      ownerName,
		Schema:         schema,
		RecordCount:    recordCount,
		EncryptedBlob:  encrypted,
		EnvelopeHandle: envelopeHandle,
		CreatedAt:      c.clock(),
		AccessList:     []string{owner},
	}
	if err := c.store.SaveDataset(ctx, d); err != nil {
		return "", fmt.Errorf("dataset: persist: %w", err)
	}
	return id, nil
}

// GetAll returns every dataset's metadata (payload handle, not payload
// plaintext — the payload is never plaintext in the first place).
func (c *Catalog) GetAll(ctx context.Context) ([]*Dataset, error) {
	return c.store.ListDatasets(ctx)
}

// GetFor returns datasets where principal is owner or in the access list.
func (c *Catalog) GetFor(ctx context.Context, principal string) ([]*Dataset, error) {
	all, err := c.store.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]*Dataset, 0, len(all))
	for _, d := range all {
		if d.Owner == principal || contains(d.AccessList, principal) {
			visible = append(visible, d)
		}
	}
	return visible, nil
}

// Grant extends a dataset's access-permission set. Only the owner may
// grant (spec §4.3).
func (c *Catalog) Grant(ctx context.Context, datasetID, caller, grantee string) error {
	d, found, err := c.store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if !found {
		return coordinatorerr.New(coordinatorerr.NotFound, datasetID)
	}
	if d.Owner != caller {
		return coordinatorerr.New(coordinatorerr.NotAuthorized, "only the owner may grant access")
	}
	return c.store.AddAccess(ctx, datasetID, grantee)
}

// Get resolves a dataset by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Dataset, error) {
	d, found, err := c.store.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, coordinatorerr.New(coordinatorerr.NotFound, id)
	}
	return d, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
