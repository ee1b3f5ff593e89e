package dataset

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

type memStore struct {
	mu       sync.Mutex
	datasets map[string]*Dataset
}

func newMemStore() *memStore {
	return &memStore{datasets: make(map[string]*Dataset)}
}

func (m *memStore) SaveDataset(_ context.Context, d *Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.datasets[d.ID] = &cp
	return nil
}

func (m *memStore) GetDataset(_ context.Context, id string) (*Dataset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

func (m *memStore) ListDatasets(_ context.Context) ([]*Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Dataset, 0, len(m.datasets))
	for _, d := range m.datasets {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) AddAccess(_ context.Context, id, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return coordinatorerr.New(coordinatorerr.NotFound, id)
	}
	d.AccessList = append(d.AccessList, principal)
	return nil
}

type fakeParties struct{ names map[string]string }

func (f *fakeParties) NameOf(_ context.Context, principal string) (string, error) {
	if n, ok := f.names[principal]; ok {
		return n, nil
	}
	return principal, nil
}

func TestUploadIsIdempotentOnOwnerContentName(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{names: map[string]string{"alice": "Alice"}}, 0)

	id1, err := c.Upload(ctx, "alice", "patients.csv", "id,age", 10, []byte("ciphertext-1"), "handle-1")
	require.NoError(t, err)

	id2, err := c.Upload(ctx, "alice", "patients.csv", "id,age", 10, []byte("ciphertext-1"), "handle-1")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "duplicate (owner, content, name) upload returns the existing id")

	all, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUploadDifferentContentYieldsDifferentID(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{names: map[string]string{"alice": "Alice"}}, 0)

	id1, err := c.Upload(ctx, "alice", "patients.csv", "id,age", 10, []byte("ciphertext-1"), "h")
	require.NoError(t, err)
	id2, err := c.Upload(ctx, "alice", "patients.csv", "id,age", 10, []byte("ciphertext-2"), "h")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestUploadEnforcesPayloadCap(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{}, 8)

	_, err := c.Upload(ctx, "alice", "big.csv", "schema", 1, make([]byte, 16), "h")
	kind, ok := coordinatorerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerr.InputTooLarge, kind)
}

func TestUploadRequiresOwner(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{}, 0)
	_, err := c.Upload(ctx, "", "x.csv", "schema", 1, []byte("x"), "h")
	kind, ok := coordinatorerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerr.Unauthenticated, kind)
}

func TestOwnerIsInAccessListByDefault(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{names: map[string]string{"alice": "Alice"}}, 0)

	id, err := c.Upload(ctx, "alice", "x.csv", "schema", 1, []byte("ct"), "h")
	require.NoError(t, err)

	d, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, d.AccessList, "alice")
}

func TestGrantOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{names: map[string]string{"alice": "Alice"}}, 0)

	id, err := c.Upload(ctx, "alice", "x.csv", "schema", 1, []byte("ct"), "h")
	require.NoError(t, err)

	err = c.Grant(ctx, id, "bob", "carol")
	kind, ok := coordinatorerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerr.NotAuthorized, kind)

	require.NoError(t, c.Grant(ctx, id, "alice", "carol"))

	visible, err := c.GetFor(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, id, visible[0].ID)
}

func TestGetForReturnsOwnedAndGranted(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), &fakeParties{names: map[string]string{"alice": "Alice", "bob": "Bob"}}, 0)

	ownID, err := c.Upload(ctx, "alice", "own.csv", "s", 1, []byte("a"), "h")
	require.NoError(t, err)
	bobID, err := c.Upload(ctx, "bob", "not-visible.csv", "s", 1, []byte("b"), "h")
	require.NoError(t, err)

	visible, err := c.GetFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, ownID, visible[0].ID)

	require.NoError(t, c.Grant(ctx, bobID, "bob", "alice"))

	visible, err = c.GetFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.ElementsMatch(t, []string{ownID, bobID}, []string{visible[0].ID, visible[1].ID})
}
