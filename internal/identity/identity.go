// Package identity implements the coordinator's Identity Registry
// (spec §4.1): the map from an externally authenticated principal to a
// Party record, plus liveness tracking used to answer "active parties"
// queries.
//
// A fixed but extensible party set is required because the request
// state machine snapshots required-voters at request creation time; a
// party registered after a request is created can never vote on it.
package identity

import (
	"context"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

// Party is a registered organizational participant.
type Party struct {
	Principal      string
	Name           string
	Role           string
	EnvelopeHandle string
	FirstSeen      time.Time
	LastSeen       time.Time
	Active         bool // liveness-derived; not persisted as authoritative
	TombstonedAt   *time.Time
}

const maxNameBytes = 128

// HandleDeriver obtains a fresh key-envelope handle for a principal —
// satisfied by internal/envelope.Service. Kept as a narrow interface
// here to avoid identity depending on envelope's whole surface.
type HandleDeriver interface {
	DeriveHandle(ctx context.Context, principal, purpose string) (string, error)
}

// Store persists Party records. Implemented by internal/storage.
type Store interface {
	UpsertParty(ctx context.Context, p *Party) error
	GetParty(ctx context.Context, principal string) (*Party, bool, error)
	ListParties(ctx context.Context) ([]*Party, error)
}

// Registry is the Identity Registry component.
type Registry struct {
	store          Store
	handles        HandleDeriver
	livenessWindow time.Duration
	clock          func() time.Time
}

// New constructs a Registry backed by store, using handles to derive a
// fresh key-envelope handle on first registration.
func New(store Store, handles HandleDeriver, livenessWindow time.Duration) *Registry {
	return &Registry{
		store:          store,
		handles:        handles,
		livenessWindow: livenessWindow,
		clock:          time.Now,
	}
}

// WithClock overrides the registry's clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register associates the caller principal with a party record,
// deriving a fresh envelope handle on first registration. Re-registering
// an existing principal updates name/role/last-seen and is idempotent
// with respect to the principal and its envelope handle.
func (r *Registry) Register(ctx context.Context, principal, name, role string) (*Party, error) {
	if principal == "" {
		return nil, coordinatorerr.New(coordinatorerr.Unauthenticated, "no caller principal")
	}

	name = norm.NFC.String(name)
	if utf8.RuneCountInString(name) == 0 {
		return nil, coordinatorerr.New(coordinatorerr.InvalidInput, "name must not be empty")
	}
	if len(name) > maxNameBytes {
		return nil, coordinatorerr.New(coordinatorerr.NameTooLong, "name exceeds 128 bytes")
	}

	now := r.clock()

	existing, found, err := r.store.GetParty(ctx, principal)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.InvalidInput, "lookup existing party", err)
	}

	if found {
		existing.Name = name
		existing.Role = role
		existing.LastSeen = now
		if err := r.store.UpsertParty(ctx, existing); err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.InvalidInput, "persist party", err)
		}
		return existing, nil
	}

	handle, err := r.handles.DeriveHandle(ctx, principal, "dataset-envelope")
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.KdfUnavailable, "derive envelope handle", err)
	}

	p := &Party{
		Principal:      principal,
		Name:           name,
		Role:           role,
		EnvelopeHandle: handle,
		FirstSeen:      now,
		LastSeen:       now,
	}
	if err := r.store.UpsertParty(ctx, p); err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.InvalidInput, "persist party", err)
	}
	return p, nil
}

// Touch updates a party's last-seen timestamp, used by the API layer on
// every authenticated call to keep liveness current.
func (r *Registry) Touch(ctx context.Context, principal string) error {
	p, found, err := r.store.GetParty(ctx, principal)
	if err != nil {
		return err
	}
	if !found {
		return coordinatorerr.New(coordinatorerr.NotRegistered, principal)
	}
	p.LastSeen = r.clock()
	return r.store.UpsertParty(ctx, p)
}

// Lookup resolves a principal to its Party record.
func (r *Registry) Lookup(ctx context.Context, principal string) (*Party, error) {
	p, found, err := r.store.GetParty(ctx, principal)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, coordinatorerr.New(coordinatorerr.NotRegistered, principal)
	}
	r.annotateActive(p)
	return p, nil
}

// ListAll returns every registered party, regardless of liveness.
func (r *Registry) ListAll(ctx context.Context) ([]*Party, error) {
	parties, err := r.store.ListParties(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range parties {
		r.annotateActive(p)
	}
	return parties, nil
}

// ListActive returns only parties whose last-seen falls within the
// liveness window.
func (r *Registry) ListActive(ctx context.Context) ([]*Party, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*Party, 0, len(all))
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// IsRegistered reports whether principal has a party record. Satisfies
// coordinator.PartyChecker.
func (r *Registry) IsRegistered(ctx context.Context, principal string) (bool, error) {
	_, found, err := r.store.GetParty(ctx, principal)
	return found, err
}

// AllPrincipals returns every registered principal, used by the Request
// State Machine to snapshot required voters at create_request time.
// Satisfies coordinator.PartyChecker.
func (r *Registry) AllPrincipals(ctx context.Context) ([]string, error) {
	parties, err := r.store.ListParties(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		if p.TombstonedAt == nil {
			out = append(out, p.Principal)
		}
	}
	return out, nil
}

// NameOf returns a party's display name, used by dataset.Catalog to
// snapshot the owner display name onto an uploaded dataset. Satisfies
// dataset.PartyResolver.
func (r *Registry) NameOf(ctx context.Context, principal string) (string, error) {
	p, err := r.Lookup(ctx, principal)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

func (r *Registry) annotateActive(p *Party) {
	p.Active = p.TombstonedAt == nil && r.clock().Sub(p.LastSeen) <= r.livenessWindow
}
