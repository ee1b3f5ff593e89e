package proof

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records []*Record
}

func (m *memStore) SaveProof(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *memStore) ListProofs(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStore) GetProofsForRequest(_ context.Context, requestID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestFirstRecordChainsFromGenesis(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log, err := New(ctx, store)
	require.NoError(t, err)

	rec, err := log.Append(ctx, "req-1", "alice", []string{"ds-1"}, `{"result":"ok"}`)
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, rec.PriorHash)
	assert.Equal(t, 1, rec.Position)
	assert.NotEmpty(t, rec.Hash)
}

func TestSecondRecordChainsFromFirst(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log, err := New(ctx, store)
	require.NoError(t, err)

	rec1, err := log.Append(ctx, "req-1", "alice", []string{"ds-1"}, `{"result":"ok"}`)
	require.NoError(t, err)
	rec2, err := log.Append(ctx, "req-2", "bob", []string{"ds-2"}, `{"result":"also ok"}`)
	require.NoError(t, err)

	assert.Equal(t, rec1.Hash, rec2.PriorHash)
	assert.Equal(t, 2, rec2.Position)

	all, err := log.All(ctx)
	require.NoError(t, err)
	require.NoError(t, ValidateChain(all))
}

func TestValidateChainDetectsTamperedPriorHash(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log, err := New(ctx, store)
	require.NoError(t, err)

	_, err = log.Append(ctx, "req-1", "alice", []string{"ds-1"}, `{"result":"ok"}`)
	require.NoError(t, err)
	_, err = log.Append(ctx, "req-2", "bob", []string{"ds-2"}, `{"result":"also ok"}`)
	require.NoError(t, err)

	all, err := log.All(ctx)
	require.NoError(t, err)
	all[1].PriorHash = "sha256:tampered"

	assert.Error(t, ValidateChain(all))
}

func TestValidateChainDetectsMissingRecord(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log, err := New(ctx, store)
	require.NoError(t, err)

	_, err = log.Append(ctx, "req-1", "alice", []string{"ds-1"}, `{"result":"ok"}`)
	require.NoError(t, err)
	rec2, err := log.Append(ctx, "req-2", "bob", []string{"ds-2"}, `{"result":"also ok"}`)
	require.NoError(t, err)

	assert.Error(t, ValidateChain([]*Record{rec2}))
}

func TestLogResumesChainHeadAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log1, err := New(ctx, store)
	require.NoError(t, err)
	rec1, err := log1.Append(ctx, "req-1", "alice", []string{"ds-1"}, `{"result":"ok"}`)
	require.NoError(t, err)

	log2, err := New(ctx, store)
	require.NoError(t, err)
	rec2, err := log2.Append(ctx, "req-2", "bob", []string{"ds-2"}, `{"result":"also ok"}`)
	require.NoError(t, err)

	assert.Equal(t, rec1.Hash, rec2.PriorHash)
	assert.Equal(t, 2, rec2.Position)
}

func TestByRequestFiltersToSingleRequest(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log, err := New(ctx, store)
	require.NoError(t, err)

	_, err = log.Append(ctx, "req-1", "alice", []string{"ds-1"}, `{"result":"ok"}`)
	require.NoError(t, err)
	_, err = log.Append(ctx, "req-2", "bob", []string{"ds-2"}, `{"result":"also ok"}`)
	require.NoError(t, err)

	recs, err := log.ByRequest(ctx, "req-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "req-2", recs[0].RequestID)
}

func TestAppendWithClockOverrideRecordsExecutedAt(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	log, err := New(ctx, store)
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	log.WithClock(func() time.Time { return fixed })

	rec, err := log.Append(ctx, "req-1", "alice", nil, `{}`)
	require.NoError(t, err)
	assert.True(t, rec.ExecutedAt.Equal(fixed))
}
